package flyout

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/lxn/win"
	"go.uber.org/zap"
	"golang.org/x/sys/windows"
)

const whKeyboardLL = 13

var (
	user32                  = windows.NewLazySystemDLL("user32.dll")
	procSetWindowsHookExW   = user32.NewProc("SetWindowsHookExW")
	procCallNextHookEx      = user32.NewProc("CallNextHookEx")
	procUnhookWindowsHookEx = user32.NewProc("UnhookWindowsHookEx")
	procPostThreadMessageW  = user32.NewProc("PostThreadMessageW")
)

// kbdllHookStruct mirrors KBDLLHOOKSTRUCT
type kbdllHookStruct struct {
	VkCode    uint32
	ScanCode  uint32
	Flags     uint32
	Time      uint32
	ExtraInfo uintptr
}

var (
	// one hook per process; the hook procedure reads the current trigger from here
	keyHookTrigger atomic.Pointer[func(isMediaKey bool)]

	keyHookProcOnce sync.Once
	keyHookProc     uintptr
)

// classifyKey maps a virtual key code to a flyout trigger.
func classifyKey(vkCode uint32) (isMedia bool, ok bool) {
	switch vkCode {
	case win.VK_VOLUME_UP, win.VK_VOLUME_DOWN, win.VK_VOLUME_MUTE:
		return false, true
	case win.VK_MEDIA_PLAY_PAUSE, win.VK_MEDIA_NEXT_TRACK, win.VK_MEDIA_PREV_TRACK, win.VK_MEDIA_STOP:
		return true, true
	}

	return false, false
}

func lowLevelKeyboardProc(nCode, wParam, lParam uintptr) uintptr {
	if int32(nCode) >= 0 && (wParam == win.WM_KEYDOWN || wParam == win.WM_SYSKEYDOWN) {
		key := (*kbdllHookStruct)(unsafe.Pointer(lParam))
		if isMedia, ok := classifyKey(key.VkCode); ok {
			if onTrigger := keyHookTrigger.Load(); onTrigger != nil {
				(*onTrigger)(isMedia)
			}
		}
	}

	ret, _, _ := procCallNextHookEx.Call(0, nCode, wParam, lParam)
	return ret
}

// startKeyHook installs a low-level keyboard hook that reports volume and
// media key presses. Key presses are passed on to the OS untouched.
func startKeyHook(logger *zap.SugaredLogger, onTrigger func(isMediaKey bool)) (func(), error) {
	logger = logger.Named("hotkey")

	if err := procSetWindowsHookExW.Find(); err != nil {
		return nil, fmt.Errorf("find SetWindowsHookExW: %w", err)
	}

	keyHookProcOnce.Do(func() {
		keyHookProc = windows.NewCallback(lowLevelKeyboardProc)
	})
	keyHookTrigger.Store(&onTrigger)

	type installResult struct {
		hook     uintptr
		threadID uint32
		err      error
	}
	installed := make(chan installResult, 1)

	go func() {
		// hooks are delivered through the message loop of the installing thread
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		hook, _, err := procSetWindowsHookExW.Call(whKeyboardLL, keyHookProc, uintptr(win.GetModuleHandle(nil)), 0)
		installed <- installResult{hook: hook, threadID: win.GetCurrentThreadId(), err: err}
		if hook == 0 {
			return
		}

		var msg win.MSG
		for win.GetMessage(&msg, 0, 0, 0) > 0 {
			win.TranslateMessage(&msg)
			win.DispatchMessage(&msg)
		}
	}()

	result := <-installed
	if result.hook == 0 {
		keyHookTrigger.Store(nil)
		return nil, fmt.Errorf("install keyboard hook: %w", result.err)
	}

	logger.Debug("Installed media key hook")

	var once sync.Once
	return func() {
		once.Do(func() {
			keyHookTrigger.Store(nil)

			if ok, _, err := procUnhookWindowsHookEx.Call(result.hook); ok == 0 {
				logger.Debugw("Failed to remove keyboard hook", "error", err)
			}

			// ends the message loop so the locked thread exits
			if ok, _, err := procPostThreadMessageW.Call(uintptr(result.threadID), win.WM_QUIT, 0, 0); ok == 0 {
				logger.Debugw("Failed to stop key hook message loop", "error", err)
			}

			logger.Debug("Removed media key hook")
		})
	}, nil
}
