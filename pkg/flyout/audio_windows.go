package flyout

import (
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	ole "github.com/go-ole/go-ole"
	"github.com/moutend/go-wca/pkg/wca"
	"go.uber.org/zap"
	"golang.org/x/sys/windows"
)

// wcaAudioSystem uses Core Audio. COM is joined to the multithreaded
// apartment so calls can come from any goroutine.
//
// go-wca leaves GetDevice, UnregisterEndpointNotificationCallback and the
// endpoint volume notification methods unimplemented, so those are called
// through the vtables directly.
type wcaAudioSystem struct {
	logger *zap.SugaredLogger

	eventCtx *ole.GUID

	mmDeviceEnumerator   *wca.IMMDeviceEnumerator
	mmNotificationClient *wca.IMMNotificationClient

	mu               sync.Mutex
	nextListenerID   int
	defaultListeners map[int]func(string)
}

type wcaDevice struct {
	system *wcaAudioSystem
	id     string
	device *wca.IMMDevice
	volume *wca.IAudioEndpointVolume
}

// context GUID attached to our own volume writes
const flyoutEventContextGUID = "{3b6a1a47-6d6f-4d0e-9f1a-5a4e2c7d8b10}"

func newAudioSystem(logger *zap.SugaredLogger) (AudioSystem, error) {
	logger = logger.Named("wca")

	if err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED); err != nil {
		// S_FALSE means COM was already initialized on this thread
		if oleErr, ok := err.(*ole.OleError); !ok || oleErr.Code() != 1 {
			logger.Warnw("Failed to initialize COM library", "error", err)
			return nil, fmt.Errorf("initialize COM: %w", err)
		}
	}

	as := &wcaAudioSystem{
		logger:           logger,
		eventCtx:         ole.NewGUID(flyoutEventContextGUID),
		defaultListeners: make(map[int]func(string)),
	}

	if err := wca.CoCreateInstance(
		wca.CLSID_MMDeviceEnumerator,
		0,
		wca.CLSCTX_ALL,
		wca.IID_IMMDeviceEnumerator,
		&as.mmDeviceEnumerator,
	); err != nil {
		logger.Warnw("Failed to create device enumerator", "error", err)
		return nil, fmt.Errorf("create device enumerator: %w", err)
	}

	as.mmNotificationClient = wca.NewIMMNotificationClient(wca.IMMNotificationClientCallback{
		OnDefaultDeviceChanged: as.onDefaultDeviceChanged,
	})

	if err := as.mmDeviceEnumerator.RegisterEndpointNotificationCallback(as.mmNotificationClient); err != nil {
		as.mmDeviceEnumerator.Release()
		return nil, fmt.Errorf("register endpoint notification callback: %w", err)
	}

	logger.Debug("Created WCA audio system instance")

	return as, nil
}

func (as *wcaAudioSystem) DefaultDevice() (AudioDevice, error) {
	var mmd *wca.IMMDevice
	if err := as.mmDeviceEnumerator.GetDefaultAudioEndpoint(wca.ERender, wca.EMultimedia, &mmd); err != nil {
		// E_NOTFOUND: nothing is plugged in
		return nil, ErrNoDevice
	}

	return as.wrapDevice(mmd)
}

func (as *wcaAudioSystem) Device(id string) (AudioDevice, error) {
	deviceID, err := windows.UTF16PtrFromString(id)
	if err != nil {
		return nil, fmt.Errorf("encode device id %s: %w", id, err)
	}

	var mmd *wca.IMMDevice
	hr, _, _ := syscall.SyscallN(
		as.mmDeviceEnumerator.VTable().GetDevice,
		uintptr(unsafe.Pointer(as.mmDeviceEnumerator)),
		uintptr(unsafe.Pointer(deviceID)),
		uintptr(unsafe.Pointer(&mmd)))
	if hr != ole.S_OK {
		return nil, fmt.Errorf("get device %s: %w", id, ole.NewError(hr))
	}

	return as.wrapDevice(mmd)
}

func (as *wcaAudioSystem) SubscribeDefaultDeviceChanged(fn func(id string)) (func(), error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	id := as.nextListenerID
	as.nextListenerID++
	as.defaultListeners[id] = fn

	return func() {
		as.mu.Lock()
		defer as.mu.Unlock()
		delete(as.defaultListeners, id)
	}, nil
}

func (as *wcaAudioSystem) Release() error {
	hr, _, _ := syscall.SyscallN(
		as.mmDeviceEnumerator.VTable().UnregisterEndpointNotificationCallback,
		uintptr(unsafe.Pointer(as.mmDeviceEnumerator)),
		uintptr(unsafe.Pointer(as.mmNotificationClient)))
	if hr != ole.S_OK {
		as.logger.Warnw("Failed to unregister endpoint notification callback", "error", ole.NewError(hr))
	}

	as.mmDeviceEnumerator.Release()
	ole.CoUninitialize()

	as.logger.Debug("Released WCA audio system instance")
	return nil
}

func (as *wcaAudioSystem) onDefaultDeviceChanged(flow wca.EDataFlow, role wca.ERole, deviceID string) error {
	if flow != wca.ERender || role != wca.EMultimedia {
		return nil
	}

	as.mu.Lock()
	listeners := make([]func(string), 0, len(as.defaultListeners))
	for _, fn := range as.defaultListeners {
		listeners = append(listeners, fn)
	}
	as.mu.Unlock()

	for _, fn := range listeners {
		fn(deviceID)
	}

	return nil
}

func (as *wcaAudioSystem) wrapDevice(mmd *wca.IMMDevice) (AudioDevice, error) {
	var id string
	if err := mmd.GetId(&id); err != nil {
		mmd.Release()
		return nil, fmt.Errorf("get device id: %w", err)
	}

	var aev *wca.IAudioEndpointVolume
	if err := mmd.Activate(wca.IID_IAudioEndpointVolume, wca.CLSCTX_ALL, nil, &aev); err != nil {
		mmd.Release()
		return nil, fmt.Errorf("activate endpoint volume: %w", err)
	}

	return &wcaDevice{
		system: as,
		id:     id,
		device: mmd,
		volume: aev,
	}, nil
}

func (d *wcaDevice) ID() string {
	return d.id
}

func (d *wcaDevice) Volume() (float32, error) {
	var level float32
	if err := d.volume.GetMasterVolumeLevelScalar(&level); err != nil {
		return 0, fmt.Errorf("get master volume: %w", err)
	}

	return level, nil
}

// Muted reads the mute flag as a 32-bit BOOL. go-wca's GetMute writes one
// into a Go bool, which is a single byte.
func (d *wcaDevice) Muted() (bool, error) {
	var muted int32
	hr, _, _ := syscall.SyscallN(
		d.volume.VTable().GetMute,
		uintptr(unsafe.Pointer(d.volume)),
		uintptr(unsafe.Pointer(&muted)))
	if hr != ole.S_OK {
		return false, fmt.Errorf("get mute: %w", ole.NewError(hr))
	}

	return muted != 0, nil
}

func (d *wcaDevice) SetVolume(v float32) error {
	if err := d.volume.SetMasterVolumeLevelScalar(v, d.system.eventCtx); err != nil {
		return fmt.Errorf("set master volume: %w", err)
	}

	return nil
}

func (d *wcaDevice) SetMute(m bool) error {
	if err := d.volume.SetMute(m, d.system.eventCtx); err != nil {
		return fmt.Errorf("set mute: %w", err)
	}

	return nil
}

func (d *wcaDevice) SubscribeVolume(fn func(VolumeNotification)) (func(), error) {
	callback := newEndpointVolumeCallback(fn)

	hr, _, _ := syscall.SyscallN(
		d.volume.VTable().RegisterControlChangeNotify,
		uintptr(unsafe.Pointer(d.volume)),
		uintptr(unsafe.Pointer(callback)))
	if hr != ole.S_OK {
		return nil, fmt.Errorf("register volume notification: %w", ole.NewError(hr))
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			hr, _, _ := syscall.SyscallN(
				d.volume.VTable().UnregisterControlChangeNotify,
				uintptr(unsafe.Pointer(d.volume)),
				uintptr(unsafe.Pointer(callback)))
			if hr != ole.S_OK {
				d.system.logger.Debugw("Failed to unregister volume notification", "deviceID", d.id, "error", ole.NewError(hr))
			}

			// late notifications already on their way find nothing to call
			callback.onNotify.Store(nil)
		})
	}, nil
}

// Release drops the COM references held for this device.
func (d *wcaDevice) Release() {
	d.volume.Release()
	d.device.Release()
}

// endpointVolumeCallback is a Go implementation of IAudioEndpointVolumeCallback.
// The vtable pointer must stay the first field.
type endpointVolumeCallback struct {
	vtbl     *endpointVolumeCallbackVtbl
	refCount int32
	onNotify atomic.Pointer[func(VolumeNotification)]
}

type endpointVolumeCallbackVtbl struct {
	QueryInterface uintptr
	AddRef         uintptr
	Release        uintptr
	OnNotify       uintptr
}

// audioVolumeNotificationData mirrors AUDIO_VOLUME_NOTIFICATION_DATA up to the
// first channel volume.
type audioVolumeNotificationData struct {
	EventContext  ole.GUID
	Muted         int32
	MasterVolume  float32
	Channels      uint32
	ChannelVolume [1]float32
}

var (
	endpointVolumeCallbackVtblOnce sync.Once
	endpointVolumeCallbackVtblPtr  *endpointVolumeCallbackVtbl
)

// callbacks made by syscall.NewCallback are never freed, so the vtable is shared
func sharedEndpointVolumeCallbackVtbl() *endpointVolumeCallbackVtbl {
	endpointVolumeCallbackVtblOnce.Do(func() {
		endpointVolumeCallbackVtblPtr = &endpointVolumeCallbackVtbl{
			QueryInterface: syscall.NewCallback(epvcQueryInterface),
			AddRef:         syscall.NewCallback(epvcAddRef),
			Release:        syscall.NewCallback(epvcRelease),
			OnNotify:       syscall.NewCallback(epvcOnNotify),
		}
	})

	return endpointVolumeCallbackVtblPtr
}

func newEndpointVolumeCallback(fn func(VolumeNotification)) *endpointVolumeCallback {
	callback := &endpointVolumeCallback{vtbl: sharedEndpointVolumeCallbackVtbl()}
	callback.onNotify.Store(&fn)

	return callback
}

func epvcQueryInterface(this uintptr, riid *ole.GUID, ppInterface *uintptr) uintptr {
	*ppInterface = 0

	if ole.IsEqualGUID(riid, ole.IID_IUnknown) || ole.IsEqualGUID(riid, wca.IID_IAudioEndpointVolumeCallback) {
		epvcAddRef(this)
		*ppInterface = this
		return ole.S_OK
	}

	return ole.E_NOINTERFACE
}

func epvcAddRef(this uintptr) uintptr {
	callback := (*endpointVolumeCallback)(unsafe.Pointer(this))
	return uintptr(atomic.AddInt32(&callback.refCount, 1))
}

func epvcRelease(this uintptr) uintptr {
	callback := (*endpointVolumeCallback)(unsafe.Pointer(this))
	return uintptr(atomic.AddInt32(&callback.refCount, -1))
}

func epvcOnNotify(this uintptr, data *audioVolumeNotificationData) uintptr {
	callback := (*endpointVolumeCallback)(unsafe.Pointer(this))

	fn := callback.onNotify.Load()
	if fn == nil || data == nil {
		return ole.S_OK
	}

	(*fn)(VolumeNotification{
		Volume: data.MasterVolume,
		Muted:  data.Muted != 0,
	})

	return ole.S_OK
}
