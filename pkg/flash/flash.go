// Package flash emulates a dual-slot OTA flash layout on a filesystem. Each
// slot is a file; the boot selection and image states live in a bbolt
// otadata database next to them.
package flash

import (
	"crypto"
	"crypto/sha256"
	"hash"
	"os"
	"path/filepath"
	"sync"

	"github.com/inconshreveable/go-update"
	"github.com/iot-ota-sdk/pkg/ota"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultSlotSize bounds the image size of one slot.
const DefaultSlotSize = 16 << 20

var (
	ErrWriteInProgress = errors.New("another partition write is in progress")
	ErrImageTooLarge   = errors.New("image exceeds partition size")
	ErrEmptyImage      = errors.New("image is empty")
	ErrInvalidImage    = errors.New("image magic mismatch")
)

type Config struct {
	Dir      string
	SlotSize uint64
	// Magic, when set, is the required first byte of every image.
	Magic *byte
	// Restart reboots the device. The default returns an error.
	Restart func() error
	Logger  logrus.FieldLogger
}

// FileFlash implements ota.Flash on top of slot files.
type FileFlash struct {
	dir      string
	slotSize uint64
	magic    *byte
	restart  func() error
	logger   logrus.FieldLogger
	data     *otaData

	mu      sync.Mutex
	running ota.Partition
	writing bool
}

var _ ota.Flash = (*FileFlash)(nil)

// Open loads the otadata store and performs the boot selection, including
// the rollback of an image that never confirmed itself.
func Open(cfg Config) (*FileFlash, error) {
	if cfg.Dir == "" {
		return nil, errors.New("flash directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create flash directory")
	}

	f := &FileFlash{
		dir:      cfg.Dir,
		slotSize: cfg.SlotSize,
		magic:    cfg.Magic,
		restart:  cfg.Restart,
		logger:   cfg.Logger,
	}
	if f.slotSize == 0 {
		f.slotSize = DefaultSlotSize
	}
	if f.logger == nil {
		f.logger = logrus.StandardLogger().WithField("system", "flash")
	}
	if f.restart == nil {
		f.restart = func() error { return errors.New("restart is not supported") }
	}

	for _, slot := range []ota.Slot{ota.SlotA, ota.SlotB} {
		path := f.SlotPath(slot)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := os.WriteFile(path, nil, 0644); err != nil {
				return nil, errors.Wrapf(err, "failed to create slot %s", slot)
			}
		}
	}

	data, err := openOtaData(filepath.Join(cfg.Dir, "otadata.db"))
	if err != nil {
		return nil, err
	}
	f.data = data

	running, err := f.boot()
	if err != nil {
		data.close()
		return nil, err
	}
	f.running = running
	return f, nil
}

func (f *FileFlash) Close() error {
	return f.data.close()
}

// SlotPath returns the file backing a slot.
func (f *FileFlash) SlotPath(slot ota.Slot) string {
	return filepath.Join(f.dir, slot.String()+".bin")
}

func (f *FileFlash) partition(slot ota.Slot) ota.Partition {
	return ota.Partition{Label: slot.String(), Slot: slot, Size: f.slotSize}
}

func parseSlot(label string) ota.Slot {
	switch label {
	case ota.SlotA.String():
		return ota.SlotA
	case ota.SlotB.String():
		return ota.SlotB
	default:
		return ota.SlotNone
	}
}

// boot picks the slot to run. A new image becomes pending verification on
// its first boot; a pending image that is booted again without having been
// marked valid is rolled back to the other slot.
func (f *FileFlash) boot() (ota.Partition, error) {
	label, err := f.data.get(keyBoot)
	if err != nil {
		return ota.Partition{}, err
	}
	slot := parseSlot(label)
	if slot == ota.SlotNone {
		slot = ota.SlotA
		if err := f.data.put(map[string]string{
			keyBoot:                        slot.String(),
			keyStatePrefix + slot.String(): stateValid,
		}); err != nil {
			return ota.Partition{}, err
		}
		return f.partition(slot), nil
	}

	state, err := f.data.get(keyStatePrefix + slot.String())
	if err != nil {
		return ota.Partition{}, err
	}

	switch state {
	case stateNew:
		err = f.data.put(map[string]string{
			keyStatePrefix + slot.String(): statePendingVerify,
		})
	case statePendingVerify:
		previous := slot.Other()
		f.logger.WithFields(logrus.Fields{
			"slot":     slot.String(),
			"fallback": previous.String(),
		}).Warn("Image was not confirmed, rolling back")
		err = f.data.put(map[string]string{
			keyBoot:                        previous.String(),
			keyStatePrefix + slot.String(): stateInvalid,
		})
		slot = previous
	}
	if err != nil {
		return ota.Partition{}, err
	}
	return f.partition(slot), nil
}

func (f *FileFlash) RunningPartition() (ota.Partition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running, nil
}

// BootPartition returns the slot selected for the next boot.
func (f *FileFlash) BootPartition() (ota.Partition, error) {
	label, err := f.data.get(keyBoot)
	if err != nil {
		return ota.Partition{}, err
	}
	return f.partition(parseSlot(label)), nil
}

func (f *FileFlash) FindPartition(slot ota.Slot) (ota.Partition, error) {
	if slot != ota.SlotA && slot != ota.SlotB {
		return ota.Partition{}, errors.Errorf("no partition for slot %s", slot)
	}
	return f.partition(slot), nil
}

// ImageState returns the stored state of the image in slot.
func (f *FileFlash) ImageState(slot ota.Slot) (ota.ImageState, error) {
	state, err := f.data.get(keyStatePrefix + slot.String())
	if err != nil {
		return ota.ImageStateUndefined, err
	}
	switch state {
	case stateValid:
		return ota.ImageStateValid, nil
	case statePendingVerify:
		return ota.ImageStatePendingVerify, nil
	case stateInvalid:
		return ota.ImageStateInvalid, nil
	case stateAborted:
		return ota.ImageStateAborted, nil
	default:
		return ota.ImageStateUndefined, nil
	}
}

func (f *FileFlash) RunningImageState() (ota.ImageState, error) {
	running, _ := f.RunningPartition()
	return f.ImageState(running.Slot)
}

func (f *FileFlash) MarkRunningImageValid() error {
	running, _ := f.RunningPartition()
	f.logger.WithField("slot", running.Label).Info("Marking running image valid")
	return f.data.put(map[string]string{
		keyStatePrefix + running.Label: stateValid,
	})
}

func (f *FileFlash) BeginWrite(p ota.Partition) (ota.WriteHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if p.Slot == f.running.Slot {
		return nil, errors.Errorf("refusing to write running partition %s", p.Label)
	}
	if f.writing {
		return nil, ErrWriteInProgress
	}

	staging := f.SlotPath(p.Slot) + ".staging"
	file, err := os.OpenFile(staging, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open staging file for %s", p.Label)
	}
	f.writing = true

	return &writeHandle{
		flash:     f,
		partition: p,
		file:      file,
		path:      staging,
		hash:      sha256.New(),
	}, nil
}

func (f *FileFlash) endWrite() {
	f.mu.Lock()
	f.writing = false
	f.mu.Unlock()
}

// SetBootPartition selects p for the next boot. The image starts as new and
// must confirm itself after booting.
func (f *FileFlash) SetBootPartition(p ota.Partition) error {
	if p.Slot != ota.SlotA && p.Slot != ota.SlotB {
		return errors.Errorf("invalid boot partition %s", p.Label)
	}
	f.logger.WithField("slot", p.Label).Info("Setting boot partition")
	return f.data.put(map[string]string{
		keyBoot:                  p.Label,
		keyStatePrefix + p.Label: stateNew,
	})
}

func (f *FileFlash) Restart() error {
	f.logger.Info("Restarting device")
	if err := f.data.db.Sync(); err != nil {
		f.logger.WithError(err).Warn("Failed to sync otadata before restart")
	}
	return f.restart()
}

// writeHandle stages an image next to its slot until Finalize installs it.
type writeHandle struct {
	flash     *FileFlash
	partition ota.Partition
	file      *os.File
	path      string
	hash      hash.Hash
	written   uint64
	first     byte
	done      bool
}

func (h *writeHandle) Write(p []byte) (int, error) {
	if h.done {
		return 0, errors.New("write handle is closed")
	}
	if h.written+uint64(len(p)) > h.partition.Size {
		return 0, ErrImageTooLarge
	}
	if h.written == 0 && len(p) > 0 {
		h.first = p[0]
	}

	n, err := h.file.Write(p)
	h.hash.Write(p[:n])
	h.written += uint64(n)
	if err != nil {
		return n, errors.Wrap(err, "failed to write staging file")
	}
	return n, nil
}

func (h *writeHandle) close() {
	h.done = true
	h.file.Close()
	h.flash.endWrite()
}

// Finalize validates the staged image and atomically installs it into the
// slot file. A rejected image leaves the slot marked aborted.
func (h *writeHandle) Finalize() (err error) {
	if h.done {
		return errors.New("write handle is closed")
	}
	defer os.Remove(h.path)
	defer h.close()
	defer func() {
		if err != nil {
			if merr := h.markAborted(); merr != nil {
				h.flash.logger.WithError(merr).Warn("Failed to record aborted image state")
			}
		}
	}()

	if err := h.file.Sync(); err != nil {
		return errors.Wrap(err, "failed to sync staging file")
	}
	if h.written == 0 {
		return ErrEmptyImage
	}
	if m := h.flash.magic; m != nil && h.first != *m {
		return errors.Wrapf(ErrInvalidImage, "got 0x%02x, want 0x%02x", h.first, *m)
	}

	staged, err := os.Open(h.path)
	if err != nil {
		return errors.Wrap(err, "failed to reopen staging file")
	}
	defer staged.Close()

	err = update.Apply(staged, update.Options{
		TargetPath: h.flash.SlotPath(h.partition.Slot),
		TargetMode: 0644,
		Checksum:   h.hash.Sum(nil),
		Hash:       crypto.SHA256,
	})
	if err != nil {
		if rerr := update.RollbackError(err); rerr != nil {
			h.flash.logger.WithError(rerr).Error("Failed to restore slot after install error")
		}
		return errors.Wrapf(err, "failed to install image into %s", h.partition.Label)
	}

	h.flash.logger.WithFields(logrus.Fields{
		"slot":  h.partition.Label,
		"bytes": h.written,
	}).Info("Image installed")
	return nil
}

// Abort discards the staged image. The slot file is left untouched.
func (h *writeHandle) Abort() error {
	if h.done {
		return nil
	}
	h.close()
	if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to remove staging file")
	}
	return h.markAborted()
}

func (h *writeHandle) markAborted() error {
	return h.flash.data.put(map[string]string{
		keyStatePrefix + h.partition.Label: stateAborted,
	})
}
