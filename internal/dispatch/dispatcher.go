package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/dcc-flasher/internal/cache"
	"github.com/nerrad567/dcc-flasher/internal/catalog"
	"github.com/nerrad567/dcc-flasher/internal/device"
	"github.com/nerrad567/dcc-flasher/internal/flasher"
	"github.com/nerrad567/dcc-flasher/internal/history"
	"github.com/nerrad567/dcc-flasher/internal/infrastructure/influxdb"
	"github.com/nerrad567/dcc-flasher/internal/remote"
	"github.com/nerrad567/dcc-flasher/internal/transfer"
)

// recordTimeout bounds the history write after a task finishes.
const recordTimeout = 5 * time.Second

// Devices looks up selectable devices.
type Devices interface {
	Select(id string) (*device.Device, error)
}

// Catalog resolves firmware labels and URLs.
type Catalog interface {
	Resolve(choice string) (catalog.Firmware, bool)
}

// Cache resolves remote URIs to local files.
type Cache interface {
	Fetch(ctx context.Context, uri string, progress cache.ProgressFunc) (string, error)
	Supports(uri string) bool
}

// Remote pushes files to network devices.
type Remote interface {
	PushFirmware(ctx context.Context, address, flashModus, path string, progress remote.ProgressFunc) (remote.Response, error)
	Upload(ctx context.Context, address, field, filename, path string, progress remote.ProgressFunc) (remote.Response, error)
	EnableLogging(ctx context.Context, address string) (remote.Response, error)
}

// Recorder stores finished tasks.
type Recorder interface {
	Record(ctx context.Context, rec history.Record) error
}

// Metrics receives one point per finished task.
type Metrics interface {
	WriteTransferMetric(m influxdb.TransferMetric)
}

// Logger defines the logging interface used by the dispatcher.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Deps are the collaborators a Dispatcher drives. Catalog may be nil.
type Deps struct {
	Devices  Devices
	Catalog  Catalog
	Cache    Cache
	Flasher  flasher.Flasher
	Remote   Remote
	OpenLink transfer.Opener
}

// Options tune the transfer paths.
type Options struct {
	// FlashBaud is the bootloader baud rate; 0 leaves the tool default.
	FlashBaud int
	Transfer  transfer.Config
}

// Dispatcher starts and tracks transfer tasks.
type Dispatcher struct {
	devices  Devices
	catalog  Catalog
	cache    Cache
	flasher  flasher.Flasher
	remote   Remote
	openLink transfer.Opener
	opts     Options

	logger   Logger
	recorder Recorder
	metrics  Metrics
	now      func() time.Time

	mu     sync.Mutex
	active map[Kind]*Task
	sinks  []Sink
	wg     sync.WaitGroup
}

// New creates a dispatcher.
func New(deps Deps, opts Options) *Dispatcher {
	return &Dispatcher{
		devices:  deps.Devices,
		catalog:  deps.Catalog,
		cache:    deps.Cache,
		flasher:  deps.Flasher,
		remote:   deps.Remote,
		openLink: deps.OpenLink,
		opts:     opts,
		logger:   noopLogger{},
		now:      time.Now,
		active:   make(map[Kind]*Task),
	}
}

// SetLogger sets the logger for the dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.logger = logger
}

// SetRecorder stores every finished task in r.
func (d *Dispatcher) SetRecorder(r Recorder) {
	d.recorder = r
}

// SetMetrics writes a metric for every finished task to m.
func (d *Dispatcher) SetMetrics(m Metrics) {
	d.metrics = m
}

// AddSink registers s for events of all tasks started afterwards.
func (d *Dispatcher) AddSink(s Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, s)
}

// Active returns the running task of kind, or nil.
func (d *Dispatcher) Active(kind Kind) *Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active[kind]
}

// Wait blocks until every running task has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Flash writes a firmware artifact to the device. USB devices are flashed
// through the ROM bootloader; network devices receive an HTTP upload.
func (d *Dispatcher) Flash(ctx context.Context, deviceID, artifact string) (*Task, error) {
	dev, err := d.selectDevice(deviceID)
	if err != nil {
		return nil, err
	}
	src, err := d.resolve(artifact)
	if err != nil {
		return nil, err
	}

	switch dev.Transport {
	case device.TransportUSB:
		return d.start(ctx, KindFlash, dev, src.String(), func(ctx context.Context, r *run) (string, error) {
			return d.flashUSB(ctx, r, dev, src)
		})
	case device.TransportRemote:
		return d.start(ctx, KindFlash, dev, src.String(), func(ctx context.Context, r *run) (string, error) {
			return d.flashRemote(ctx, r, dev, src)
		})
	default:
		return nil, fmt.Errorf("%w: %s transport", ErrUnsupported, dev.Transport)
	}
}

// Erase wipes the flash of a USB device.
func (d *Dispatcher) Erase(ctx context.Context, deviceID string) (*Task, error) {
	dev, err := d.selectDevice(deviceID)
	if err != nil {
		return nil, err
	}
	if dev.Transport != device.TransportUSB {
		return nil, fmt.Errorf("%w: erase needs a USB connection", ErrUnsupported)
	}
	return d.start(ctx, KindErase, dev, "", func(ctx context.Context, r *run) (string, error) {
		return d.erase(ctx, r, dev)
	})
}

// PushConfig sends one configuration or support file to the device.
func (d *Dispatcher) PushConfig(ctx context.Context, deviceID, artifact string) (*Task, error) {
	dev, err := d.selectDevice(deviceID)
	if err != nil {
		return nil, err
	}
	src, err := d.resolve(artifact)
	if err != nil {
		return nil, err
	}
	if err := checkFileTransport(dev); err != nil {
		return nil, err
	}
	items := []source{src}
	return d.start(ctx, KindConfig, dev, src.String(), func(ctx context.Context, r *run) (string, error) {
		return d.uploadFiles(ctx, r, dev, KindConfig, items)
	})
}

// BatchUpload downloads and pushes each artifact in order.
func (d *Dispatcher) BatchUpload(ctx context.Context, deviceID string, artifacts []string) (*Task, error) {
	dev, err := d.selectDevice(deviceID)
	if err != nil {
		return nil, err
	}
	if len(artifacts) == 0 {
		return nil, ErrNoArtifact
	}
	items := make([]source, 0, len(artifacts))
	names := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		src, err := d.resolve(a)
		if err != nil {
			return nil, err
		}
		items = append(items, src)
		names = append(names, src.String())
	}
	if err := checkFileTransport(dev); err != nil {
		return nil, err
	}
	return d.start(ctx, KindBatch, dev, strings.Join(names, "\n"), func(ctx context.Context, r *run) (string, error) {
		return d.uploadFiles(ctx, r, dev, KindBatch, items)
	})
}

// EnableRemoteLogging asks a network device to broadcast its log. It runs
// synchronously and returns the status line to show.
func (d *Dispatcher) EnableRemoteLogging(ctx context.Context, deviceID string) (string, error) {
	dev, err := d.selectDevice(deviceID)
	if err != nil {
		return "", err
	}
	if dev.Transport != device.TransportRemote {
		return "", fmt.Errorf("%w: logging needs a network device", ErrUnsupported)
	}
	resp, err := d.remote.EnableLogging(ctx, dev.Address)
	if err != nil {
		return failureStatus(resp, err), err
	}
	d.logger.Info("remote logging enabled", "device", dev.ID)
	return "Started.", nil
}

func (d *Dispatcher) selectDevice(id string) (*device.Device, error) {
	if id == "" {
		return nil, ErrNoDevice
	}
	return d.devices.Select(id)
}

func checkFileTransport(dev *device.Device) error {
	switch dev.Transport {
	case device.TransportUSB, device.TransportRemote:
		return nil
	default:
		return fmt.Errorf("%w: %s transport", ErrUnsupported, dev.Transport)
	}
}

// run is the mutable state of one task.
type run struct {
	d    *Dispatcher
	task *Task

	started bool
	chip    string
	bytes   int64
	begin   time.Time
}

// markStarted records that device I/O has begun.
func (r *run) markStarted() {
	r.started = true
}

func (r *run) progress(status string, fraction float64) {
	r.d.emit(r.task, Event{Status: status, Progress: clamp(fraction)})
}

func (r *run) indeterminate(status string) {
	r.d.emit(r.task, Event{Status: status, Indeterminate: true})
}

func (r *run) elapsed() time.Duration {
	return r.d.now().Sub(r.begin)
}

type taskFunc func(ctx context.Context, r *run) (string, error)

func (d *Dispatcher) start(ctx context.Context, kind Kind, dev *device.Device, artifact string, fn taskFunc) (*Task, error) {
	d.mu.Lock()
	if running, ok := d.active[kind]; ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s task %s", ErrBusy, kind, running.ID)
	}
	task := newTask(uuid.NewString(), kind, dev.ID)
	d.active[kind] = task
	d.wg.Add(1)
	d.mu.Unlock()

	r := &run{d: d, task: task, begin: d.now()}
	taskCtx := context.WithoutCancel(ctx)
	d.logger.Info("task started", "task_id", task.ID, "kind", kind, "device", dev.ID, "artifact", artifact)

	go func() {
		defer d.wg.Done()
		status, err := d.execute(taskCtx, r, fn)
		d.complete(r, dev, artifact, status, err)
	}()
	return task, nil
}

// execute runs fn and turns a panic into a task failure.
func (d *Dispatcher) execute(ctx context.Context, r *run, fn taskFunc) (status string, err error) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("task panicked", "task_id", r.task.ID, "panic", p)
			status, err = "", fmt.Errorf("internal error: %v", p)
		}
	}()
	return fn(ctx, r)
}

func (d *Dispatcher) complete(r *run, dev *device.Device, artifact, status string, err error) {
	finished := d.now()
	ev := Event{Status: status, Progress: 1, Done: true, Err: err}
	if err != nil {
		ev.ErrorClass = Class(err)
		if status == "" {
			ev.Status = "Error: " + err.Error()
		}
		if !r.started {
			ev.Progress = 0
		}
		d.logger.Warn("task failed", "task_id", r.task.ID, "kind", r.task.Kind,
			"device", dev.ID, "class", ev.ErrorClass, "error", err)
	} else {
		d.logger.Info("task finished", "task_id", r.task.ID, "kind", r.task.Kind,
			"device", dev.ID, "status", status)
	}

	rec := history.Record{
		ID:         r.task.ID,
		Kind:       string(r.task.Kind),
		DeviceID:   dev.ID,
		DeviceName: dev.DisplayName,
		Transport:  dev.Transport.String(),
		Artifact:   artifact,
		Status:     history.StatusSucceeded,
		Message:    ev.Status,
		Chip:       r.chip,
		Bytes:      r.bytes,
		StartedAt:  r.begin,
		FinishedAt: finished,
	}
	if ev.Failed() {
		rec.Status = history.StatusFailed
		rec.ErrorClass = string(ev.ErrorClass)
	}
	if d.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		if rerr := d.recorder.Record(ctx, rec); rerr != nil {
			d.logger.Error("recording task", "task_id", r.task.ID, "error", rerr)
		}
		cancel()
	}
	if d.metrics != nil {
		d.metrics.WriteTransferMetric(influxdb.TransferMetric{
			Kind:       rec.Kind,
			Transport:  rec.Transport,
			Status:     rec.Status,
			ErrorClass: rec.ErrorClass,
			DeviceID:   rec.DeviceID,
			Duration:   rec.Duration(),
			Bytes:      rec.Bytes,
			FinishedAt: finished,
		})
	}

	d.mu.Lock()
	delete(d.active, r.task.Kind)
	d.mu.Unlock()

	d.emit(r.task, ev)
}

func (d *Dispatcher) emit(t *Task, ev Event) {
	ev.TaskID = t.ID
	ev.Kind = t.Kind
	ev.DeviceID = t.DeviceID
	ev.Time = d.now()

	d.mu.Lock()
	sinks := append([]Sink(nil), d.sinks...)
	d.mu.Unlock()
	for _, s := range sinks {
		s.Publish(ev)
	}

	if ev.Done {
		t.finish(ev)
		return
	}
	t.deliver(ev)
}

// fetch returns a local path for src, downloading remote artifacts into
// the cache. onProgress receives the download fraction, or -1 when the
// size is unknown.
func (d *Dispatcher) fetch(ctx context.Context, src source, onProgress func(float64)) (string, error) {
	if !src.Remote {
		return src.Location, nil
	}
	return d.cache.Fetch(ctx, src.Location, func(p cache.Progress) {
		if p.Indeterminate {
			onProgress(-1)
			return
		}
		onProgress(p.Fraction)
	})
}

func (d *Dispatcher) flashUSB(ctx context.Context, r *run, dev *device.Device, src source) (string, error) {
	p, err := d.fetch(ctx, src, func(f float64) {
		if f < 0 {
			r.indeterminate("Downloading...")
			return
		}
		r.progress(fmt.Sprintf("Downloading... %d%%", int(f*100)), f)
	})
	if err != nil {
		return "", err
	}
	segments, err := LoadImage(p)
	if err != nil {
		return "", err
	}

	r.markStarted()
	r.indeterminate("Connecting...")
	sess, err := d.flasher.DetectAndConnect(ctx, dev.Address, d.opts.FlashBaud)
	if err != nil {
		return "", err
	}
	r.chip = sess.Chip()
	r.progress("Detected "+r.chip, 0)

	n := float64(len(segments))
	for i, seg := range segments {
		base := float64(i)
		err := sess.WriteCompressedImage(ctx, seg.Data, seg.Address, func(f float64) {
			r.progress(fmt.Sprintf("Writing at 0x%08x... (%d %%)", seg.Address, int(f*100)), (base+f)/n)
		})
		if err != nil {
			return "", err
		}
		r.bytes += int64(len(seg.Data))
	}

	return fmt.Sprintf("Finished in %.2f seconds. Chip: %s", r.elapsed().Seconds(), r.chip), nil
}

func (d *Dispatcher) flashRemote(ctx context.Context, r *run, dev *device.Device, src source) (string, error) {
	p, err := d.fetch(ctx, src, func(f float64) {
		if f < 0 {
			r.indeterminate("Downloading...")
			return
		}
		r.progress(fmt.Sprintf("Downloading... %d%%", int(f*100)), f)
	})
	if err != nil {
		return "", err
	}

	r.markStarted()
	r.progress("Uploading...", 0)
	resp, err := d.remote.PushFirmware(ctx, dev.Address, dev.FlashModus(), p, func(f float64) {
		r.progress("Uploading...", f)
	})
	if err != nil {
		return failureStatus(resp, err), err
	}
	if info, serr := os.Stat(p); serr == nil {
		r.bytes = info.Size()
	}
	return "Finish. " + resp.Text, nil
}

func (d *Dispatcher) erase(ctx context.Context, r *run, dev *device.Device) (string, error) {
	r.markStarted()
	r.indeterminate("Connecting...")
	sess, err := d.flasher.DetectAndConnect(ctx, dev.Address, d.opts.FlashBaud)
	if err != nil {
		return "", err
	}
	r.chip = sess.Chip()
	r.indeterminate("Erasing...")
	if err := sess.Erase(ctx, func(f float64) { r.progress("Erasing...", f) }); err != nil {
		return "", err
	}
	return fmt.Sprintf("Erased in %.2f seconds. Chip: %s", r.elapsed().Seconds(), r.chip), nil
}

// uploadFiles downloads then pushes each item. Item i of n owns the
// progress range [i/n, (i+1)/n], split evenly between its two halves.
// Network config pushes use a fixed multipart field; batch items are keyed
// by their file name.
func (d *Dispatcher) uploadFiles(ctx context.Context, r *run, dev *device.Device, kind Kind, items []source) (string, error) {
	var reply string
	half := 1 / float64(2*len(items))
	for i, item := range items {
		name := item.Name()
		lo := float64(2*i) * half
		mid := lo + half

		p, err := d.fetch(ctx, item, func(f float64) {
			if f < 0 {
				r.progress(fmt.Sprintf("Downloading %s...", name), lo)
				return
			}
			r.progress(fmt.Sprintf("Downloading %s...", name), lo+f*half)
		})
		if err != nil {
			return "", err
		}
		r.progress(fmt.Sprintf("Uploading %s...", name), mid)

		r.markStarted()
		push := func(f float64) { r.progress(fmt.Sprintf("Uploading %s...", name), mid+f*half) }
		switch dev.Transport {
		case device.TransportUSB:
			err = d.pushSerial(ctx, r, dev, name, p, push)
		case device.TransportRemote:
			var resp remote.Response
			field := name
			if kind == KindConfig {
				field = remote.FieldConfig
			}
			resp, err = d.remote.Upload(ctx, dev.Address, field, name, p, push)
			if err != nil {
				return failureStatus(resp, err), err
			}
			reply = resp.Text
			if info, serr := os.Stat(p); serr == nil {
				r.bytes += info.Size()
			}
		}
		if err != nil {
			return "", err
		}
		r.progress(fmt.Sprintf("Uploaded %s", name), mid+half)
	}

	if len(items) == 1 && dev.Transport == device.TransportRemote {
		return "Finish. " + reply, nil
	}
	if len(items) == 1 {
		return fmt.Sprintf("Uploaded %s in %.2f seconds", items[0].Name(), r.elapsed().Seconds()), nil
	}
	return fmt.Sprintf("Uploaded %d files in %.2f seconds", len(items), r.elapsed().Seconds()), nil
}

func (d *Dispatcher) pushSerial(ctx context.Context, r *run, dev *device.Device, name, p string, progress func(float64)) error {
	content, err := os.ReadFile(p)
	if err != nil {
		return fmt.Errorf("reading %s: %w", p, err)
	}
	link, err := d.openLink(dev.Address)
	if err != nil {
		return err
	}
	defer link.Close()

	sess := transfer.NewSession(link, d.opts.Transfer)
	sess.SetLogger(d.logger)
	err = sess.Run(ctx, name, content, func(acked, total int) {
		if total > 0 {
			progress(float64(acked) / float64(total))
		}
	})
	if err != nil {
		return err
	}
	r.bytes += int64(len(content))
	return nil
}

// failureStatus formats a device reply the way the device UI shows it.
func failureStatus(resp remote.Response, err error) string {
	if errors.Is(err, remote.ErrStatus) {
		return fmt.Sprintf("Error %d : %s", resp.StatusCode, resp.Text)
	}
	return ""
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
