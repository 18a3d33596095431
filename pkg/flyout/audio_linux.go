package flyout

import (
	"fmt"
	"math"
	"net"
	"sync"

	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"
)

const maxVolume = 0x10000

// paAudioSystem talks to PulseAudio (or PipeWire's pulse server). Devices are sinks, keyed by sink name.
type paAudioSystem struct {
	logger *zap.SugaredLogger
	client *proto.Client
	conn   net.Conn

	events *paEventQueue

	mu               sync.Mutex
	defaultSinkName  string
	nextListenerID   int
	defaultListeners map[int]func(string)
	volumeListeners  map[uint32]map[int]func(VolumeNotification)
}

type paDevice struct {
	system   *paAudioSystem
	index    uint32
	name     string
	channels int
}

func newAudioSystem(logger *zap.SugaredLogger) (AudioSystem, error) {
	logger = logger.Named("pulse")

	client, conn, err := proto.Connect("")
	if err != nil {
		logger.Warnw("Failed to establish PulseAudio connection", "error", err)
		return nil, fmt.Errorf("establish PulseAudio connection: %w", err)
	}

	request := proto.SetClientName{
		Props: proto.PropList{
			"application.name": proto.PropListString("flyout"),
		},
	}
	if err := client.Request(&request, &proto.SetClientNameReply{}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set client name: %w", err)
	}

	as := &paAudioSystem{
		logger:           logger,
		client:           client,
		conn:             conn,
		events:           newPAEventQueue(),
		defaultListeners: make(map[int]func(string)),
		volumeListeners:  make(map[uint32]map[int]func(VolumeNotification)),
	}

	go as.events.run(as.checkDefaultSink, as.notifyVolume)
	client.Callback = as.handleEvent

	subscribe := proto.Subscribe{Mask: proto.SubscriptionMaskSink | proto.SubscriptionMaskServer}
	if err := client.Request(&subscribe, nil); err != nil {
		as.events.stop()
		conn.Close()
		return nil, fmt.Errorf("subscribe to sink events: %w", err)
	}

	if as.defaultSinkName, err = as.queryDefaultSinkName(); err != nil {
		logger.Debugw("Failed to get initial default sink", "error", err)
	}

	logger.Debug("Created PulseAudio audio system instance")

	return as, nil
}

func (as *paAudioSystem) DefaultDevice() (AudioDevice, error) {
	name, err := as.queryDefaultSinkName()
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, ErrNoDevice
	}

	return as.Device(name)
}

func (as *paAudioSystem) Device(id string) (AudioDevice, error) {
	info, err := as.sinkInfo(proto.Undefined, id)
	if err != nil {
		return nil, err
	}

	return &paDevice{
		system:   as,
		index:    info.SinkIndex,
		name:     info.SinkName,
		channels: len(info.ChannelVolumes),
	}, nil
}

func (as *paAudioSystem) SubscribeDefaultDeviceChanged(fn func(id string)) (func(), error) {
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

func (as *paAudioSystem) Release() error {
	as.events.stop()

	if err := as.conn.Close(); err != nil {
		return fmt.Errorf("close PulseAudio connection: %w", err)
	}

	as.logger.Debug("Released PulseAudio audio system instance")
	return nil
}

// handleEvent runs on the protocol reader goroutine, so it only queues work.
// Requests made from here would wait for a reply that this goroutine has to read.
func (as *paAudioSystem) handleEvent(msg interface{}) {
	event, ok := msg.(*proto.SubscribeEvent)
	if !ok || event.Event.GetType() != proto.EventChange {
		return
	}

	switch event.Event.GetFacility() {
	case proto.EventServer:
		as.events.pushServer()
	case proto.EventSink:
		as.events.pushSink(event.Index)
	}
}

// paEventQueue hands subscription events to a single worker in arrival order.
// Repeated events for one sink collapse into a single pending entry. Pushing
// never blocks.
type paEventQueue struct {
	mu     sync.Mutex
	server bool
	sinks  []uint32

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newPAEventQueue() *paEventQueue {
	return &paEventQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (q *paEventQueue) pushServer() {
	q.mu.Lock()
	q.server = true
	q.mu.Unlock()

	q.signal()
}

func (q *paEventQueue) pushSink(index uint32) {
	q.mu.Lock()
	pending := false
	for _, queued := range q.sinks {
		if queued == index {
			pending = true
			break
		}
	}
	if !pending {
		q.sinks = append(q.sinks, index)
	}
	q.mu.Unlock()

	q.signal()
}

func (q *paEventQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// run drains the queue until stop is called. A pending server change is
// handled before pending sink changes.
func (q *paEventQueue) run(onServer func(), onSink func(index uint32)) {
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
		}

		q.mu.Lock()
		server, sinks := q.server, q.sinks
		q.server, q.sinks = false, nil
		q.mu.Unlock()

		if server {
			onServer()
		}
		for _, index := range sinks {
			onSink(index)
		}
	}
}

func (q *paEventQueue) stop() {
	q.stopOnce.Do(func() { close(q.done) })
}

func (as *paAudioSystem) checkDefaultSink() {
	name, err := as.queryDefaultSinkName()
	if err != nil {
		as.logger.Debugw("Failed to query default sink", "error", err)
		return
	}

	as.mu.Lock()
	if name == as.defaultSinkName {
		as.mu.Unlock()
		return
	}
	as.defaultSinkName = name
	listeners := make([]func(string), 0, len(as.defaultListeners))
	for _, fn := range as.defaultListeners {
		listeners = append(listeners, fn)
	}
	as.mu.Unlock()

	for _, fn := range listeners {
		fn(name)
	}
}

func (as *paAudioSystem) notifyVolume(index uint32) {
	as.mu.Lock()
	registered := as.volumeListeners[index]
	listeners := make([]func(VolumeNotification), 0, len(registered))
	for _, fn := range registered {
		listeners = append(listeners, fn)
	}
	as.mu.Unlock()

	if len(listeners) == 0 {
		return
	}

	info, err := as.sinkInfo(index, "")
	if err != nil {
		as.logger.Debugw("Failed to read changed sink", "index", index, "error", err)
		return
	}

	notification := VolumeNotification{
		Volume: parseChannelVolumes(info.ChannelVolumes),
		Muted:  info.Mute,
	}
	for _, fn := range listeners {
		fn(notification)
	}
}

func (as *paAudioSystem) queryDefaultSinkName() (string, error) {
	var reply proto.GetServerInfoReply
	if err := as.client.Request(&proto.GetServerInfo{}, &reply); err != nil {
		return "", fmt.Errorf("get server info: %w", err)
	}

	return reply.DefaultSinkName, nil
}

func (as *paAudioSystem) sinkInfo(index uint32, name string) (*proto.GetSinkInfoReply, error) {
	var reply proto.GetSinkInfoReply
	request := proto.GetSinkInfo{SinkIndex: index, SinkName: name}
	if err := as.client.Request(&request, &reply); err != nil {
		return nil, fmt.Errorf("get sink info (%d, %q): %w", index, name, err)
	}

	return &reply, nil
}

func (d *paDevice) ID() string {
	return d.name
}

func (d *paDevice) Volume() (float32, error) {
	info, err := d.system.sinkInfo(d.index, "")
	if err != nil {
		return 0, err
	}

	return parseChannelVolumes(info.ChannelVolumes), nil
}

func (d *paDevice) Muted() (bool, error) {
	info, err := d.system.sinkInfo(d.index, "")
	if err != nil {
		return false, err
	}

	return info.Mute, nil
}

func (d *paDevice) SetVolume(v float32) error {
	volumes := make(proto.ChannelVolumes, d.channels)
	for i := range volumes {
		volumes[i] = uint32(math.Round(float64(v) * maxVolume))
	}

	request := proto.SetSinkVolume{
		SinkIndex:      d.index,
		ChannelVolumes: volumes,
	}
	if err := d.system.client.Request(&request, nil); err != nil {
		return fmt.Errorf("adjust sink volume: %w", err)
	}

	return nil
}

func (d *paDevice) SetMute(m bool) error {
	request := proto.SetSinkMute{
		SinkIndex: d.index,
		Mute:      m,
	}
	if err := d.system.client.Request(&request, nil); err != nil {
		return fmt.Errorf("adjust sink mute: %w", err)
	}

	return nil
}

func (d *paDevice) SubscribeVolume(fn func(VolumeNotification)) (func(), error) {
	as := d.system

	as.mu.Lock()
	defer as.mu.Unlock()

	id := as.nextListenerID
	as.nextListenerID++

	if as.volumeListeners[d.index] == nil {
		as.volumeListeners[d.index] = make(map[int]func(VolumeNotification))
	}
	as.volumeListeners[d.index][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			as.mu.Lock()
			defer as.mu.Unlock()
			delete(as.volumeListeners[d.index], id)
		})
	}, nil
}

func parseChannelVolumes(volumes proto.ChannelVolumes) float32 {
	if len(volumes) == 0 {
		return 0
	}

	var total uint32
	for _, volume := range volumes {
		total += volume
	}

	return float32(total) / float32(len(volumes)) / float32(maxVolume)
}
