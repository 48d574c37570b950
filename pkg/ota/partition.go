package ota

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// PartitionSelector picks the update slot and keeps the running image safe
// from a pending rollback decision.
type PartitionSelector struct {
	flash  Flash
	logger logrus.FieldLogger
}

func NewPartitionSelector(flash Flash, logger logrus.FieldLogger) *PartitionSelector {
	return &PartitionSelector{flash: flash, logger: logger}
}

// EnsureBootSafety marks the running image valid when it is still pending
// verification, cancelling any automatic rollback.
func (s *PartitionSelector) EnsureBootSafety() error {
	state, err := s.flash.RunningImageState()
	if err != nil {
		return errors.Wrap(err, "failed to query running image state")
	}
	if state != ImageStatePendingVerify {
		return nil
	}

	s.logger.Info("Running image is pending verification, marking it valid")
	if err := s.flash.MarkRunningImageValid(); err != nil {
		return errors.Wrap(err, "failed to mark running image valid")
	}
	return nil
}

// Running returns the partition the device booted from.
func (s *PartitionSelector) Running() (Partition, error) {
	p, err := s.flash.RunningPartition()
	if err != nil {
		return Partition{}, errors.Wrap(err, "failed to query running partition")
	}
	return p, nil
}

// Target returns the update slot that is not currently running.
func (s *PartitionSelector) Target() (Partition, error) {
	running, err := s.Running()
	if err != nil {
		return Partition{}, err
	}

	target, err := s.flash.FindPartition(running.Slot.Other())
	if err != nil {
		return Partition{}, errors.Wrap(ErrNoUpdatePartition, err.Error())
	}
	if target.Label == running.Label {
		return Partition{}, errors.Wrapf(ErrNoUpdatePartition, "target %s is the running partition", target.Label)
	}

	s.logger.WithFields(logrus.Fields{
		"running": running.Label,
		"target":  target.Label,
	}).Debug("Selected update partition")
	return target, nil
}
