package audio

import (
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"
)

var (
	initOnce sync.Once
	initDone = make(chan struct{})
)

// Init starts portaudio initialization in the background. Call it early:
// device enumeration can take seconds on some hosts, and doing it while
// the session handshake runs hides the cost.
func Init() {
	initOnce.Do(func() {
		go func() {
			if err := portaudio.Initialize(); err != nil {
				slog.Error("portaudio init failed", "err", err)
			}
			close(initDone)
		}()
	})
}

// WaitInit blocks until Init completes, triggering it if needed.
func WaitInit() {
	Init()
	<-initDone
}

// Terminate releases portaudio. Call once at process shutdown.
func Terminate() error {
	return portaudio.Terminate()
}

// DeviceEntry describes one audio device.
type DeviceEntry struct {
	Name       string
	MaxInputs  int
	MaxOutputs int
	IsDefault  bool
}

// FindDevice returns the device with the given name, or nil.
func FindDevice(name string) *portaudio.DeviceInfo {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil
	}
	for _, d := range devices {
		if d.Name == name {
			return d
		}
	}
	return nil
}

// ListInputDevices enumerates capture-capable devices.
func ListInputDevices() ([]DeviceEntry, error) {
	WaitInit()
	defaultIn, _ := portaudio.DefaultInputDevice()
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}

	var result []DeviceEntry
	for _, d := range devices {
		if d.MaxInputChannels > 0 {
			result = append(result, DeviceEntry{
				Name:       d.Name,
				MaxInputs:  d.MaxInputChannels,
				MaxOutputs: d.MaxOutputChannels,
				IsDefault:  defaultIn != nil && d.Name == defaultIn.Name,
			})
		}
	}
	return result, nil
}

// ListOutputDevices enumerates playback-capable devices.
func ListOutputDevices() ([]DeviceEntry, error) {
	WaitInit()
	defaultOut, _ := portaudio.DefaultOutputDevice()
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}

	var result []DeviceEntry
	for _, d := range devices {
		if d.MaxOutputChannels > 0 {
			result = append(result, DeviceEntry{
				Name:       d.Name,
				MaxInputs:  d.MaxInputChannels,
				MaxOutputs: d.MaxOutputChannels,
				IsDefault:  defaultOut != nil && d.Name == defaultOut.Name,
			})
		}
	}
	return result, nil
}
