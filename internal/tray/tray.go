//go:build !linux

package tray

import (
	"fmt"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/getlantern/systray"

	"github.com/SimplyPrint/tangem-agent/internal/api"
	"github.com/SimplyPrint/tangem-agent/internal/logging"
)

// TrayApp manages the system tray icon and menu.
type TrayApp struct {
	serverAddr string
	agent      Agent
	onQuit     func()
	mu         sync.Mutex
	stop       chan struct{}

	mStatus  *systray.MenuItem
	mReaders *systray.MenuItem
	mLinked  *systray.MenuItem
	mCancel  *systray.MenuItem
}

func New(serverAddr string, agent Agent, onQuit func()) *TrayApp {
	return &TrayApp{
		serverAddr: serverAddr,
		agent:      agent,
		onQuit:     onQuit,
		stop:       make(chan struct{}),
	}
}

// RunWithServer runs the tray on the main thread and starts the server in a
// goroutine. It blocks until Quit, and must be called from the main goroutine on macOS.
func (t *TrayApp) RunWithServer(serverStart func()) {
	systray.Run(func() {
		t.onReady()
		if serverStart != nil {
			go serverStart()
		}
	}, t.onExit)
}

func (t *TrayApp) onReady() {
	systray.SetIcon(iconData)
	systray.SetTitle("")
	systray.SetTooltip("Tangem Agent")

	mVersion := systray.AddMenuItem(versionTitle(api.Version), "")
	mVersion.Disable()
	systray.AddSeparator()

	t.mStatus = systray.AddMenuItem(statusTitle(false), "Card session status")
	t.mStatus.Disable()
	t.mReaders = systray.AddMenuItem("Readers: Checking...", "Attached card readers")
	t.mReaders.Disable()
	t.mCancel = systray.AddMenuItem("Cancel Card Session", "Abort the running card session")
	t.mCancel.Disable()
	systray.AddSeparator()

	t.mLinked = systray.AddMenuItem("Link Terminal", "Let cards skip the security delay for this computer")
	if t.agent.LinkedTerminal() {
		t.mLinked.Check()
	}
	mOpenUI := systray.AddMenuItem("Open Status Page", "Open the health endpoint in a browser")
	systray.AddSeparator()
	mQuit := systray.AddMenuItem("Quit", "Exit Tangem Agent")

	go t.pollStatus()

	go func() {
		defer logging.RecoverAndLog("tray menu", false)
		for {
			select {
			case <-t.mCancel.ClickedCh:
				t.agent.Cancel()
			case <-t.mLinked.ClickedCh:
				t.toggleLinked()
			case <-mOpenUI.ClickedCh:
				t.openBrowser(fmt.Sprintf("http://%s/v1/health", t.serverAddr))
			case <-mQuit.ClickedCh:
				systray.Quit()
				return
			}
		}
	}()
}

func (t *TrayApp) onExit() {
	close(t.stop)
	if t.onQuit != nil {
		t.onQuit()
	}
}

func (t *TrayApp) toggleLinked() {
	t.mu.Lock()
	defer t.mu.Unlock()
	on := !t.mLinked.Checked()
	if err := t.agent.SetLinkedTerminal(on); err != nil {
		logging.Error(logging.CatSystem, "Failed to save linked terminal setting", map[string]any{
			"error": err.Error(),
		})
		return
	}
	if on {
		t.mLinked.Check()
	} else {
		t.mLinked.Uncheck()
	}
}

// pollStatus keeps the busy indicator and reader count current.
func (t *TrayApp) pollStatus() {
	defer logging.RecoverAndLog("tray status", false)

	statusTick := time.NewTicker(statusInterval)
	defer statusTick.Stop()
	readersTick := time.NewTicker(readersInterval)
	defer readersTick.Stop()

	t.refreshReaders()
	for {
		select {
		case <-t.stop:
			return
		case <-statusTick.C:
			t.refreshStatus()
		case <-readersTick.C:
			t.refreshReaders()
		}
	}
}

func (t *TrayApp) refreshStatus() {
	busy := t.agent.Busy()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mStatus.SetTitle(statusTitle(busy))
	if busy {
		t.mCancel.Enable()
	} else {
		t.mCancel.Disable()
	}
}

func (t *TrayApp) refreshReaders() {
	readers, err := t.agent.Readers()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mReaders.SetTitle(readersTitle(readers, err))
}

func (t *TrayApp) openBrowser(url string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	cmd.Start()
}

// IsSupported reports whether a system tray is available on this platform.
func IsSupported() bool {
	return true
}
