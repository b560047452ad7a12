package tray

// TrayApp is a no-op on Linux, where the agent runs headless.
type TrayApp struct{}

func New(string, Agent, func()) *TrayApp { return &TrayApp{} }

// RunWithServer runs serverStart on the calling goroutine.
func (t *TrayApp) RunWithServer(serverStart func()) {
	if serverStart != nil {
		serverStart()
	}
}

func IsSupported() bool {
	return false
}
