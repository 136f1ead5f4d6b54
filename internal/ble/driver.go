package ble

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/omviva/omviva-sync/internal/ble/protocol"
	"github.com/omviva/omviva-sync/internal/measurement"
)

// Driver sequences session operations into the scale's two supported flows.
// The scale's internal state machine depends on strict step order, so every
// flow writes its packets one after another with a settle delay in between.
type Driver struct {
	session *Session
	logger  *slog.Logger
}

// NewDriver creates a Driver over a connected session.
func NewDriver(session *Session, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{session: session, logger: logger}
}

type step struct {
	name string
	ch   Channel
	pkt  []byte
}

func (d *Driver) run(ctx context.Context, steps []step) error {
	for _, st := range steps {
		d.logger.Debug("[BLE] step", "name", st.name)
		if err := d.session.Send(ctx, st.ch, st.pkt); err != nil {
			return fmt.Errorf("%s: %w", st.name, err)
		}
	}
	return nil
}

// disable turns notifications off at the end of a flow without masking the
// flow's own result.
func (d *Driver) disable() {
	if err := d.session.DisableNotifications(); err != nil {
		d.logger.Warn("[BLE] disable notifications", "error", err)
	}
}

// RegisterUser registers a new user on the scale under userIndex. The scale
// does not reliably echo success, so no response is checked.
func (d *Driver) RegisterUser(ctx context.Context, userIndex uint8) error {
	d.logger.Info("[BLE] register user", "user", userIndex)
	if err := d.session.EnableNotifications(ctx); err != nil {
		return err
	}
	defer d.disable()

	return d.run(ctx, []step{
		{"register user", ChannelUserControl, protocol.RegisterUser(userIndex)},
		{"consent", ChannelUserControl, protocol.Consent(userIndex)},
		{"request count", ChannelRecordAccess, protocol.ReportCountAll()},
		{"request records", ChannelRecordAccess, protocol.ReportRecordsAll()},
		{"finish", ChannelRecordAccess, protocol.Finish()},
	})
}

// FetchRecords requests every record of userIndex with a sequence number of
// at least from and decodes them in arrival order. An empty stream means
// there is nothing new and yields no records.
func (d *Driver) FetchRecords(ctx context.Context, userIndex uint8, from uint16) ([]*measurement.Record, error) {
	d.logger.Info("[BLE] fetch records", "user", userIndex, "from", from)
	if err := d.session.EnableNotifications(ctx); err != nil {
		return nil, err
	}
	defer d.disable()

	err := d.run(ctx, []step{
		{"consent", ChannelUserControl, protocol.Consent(userIndex)},
		{"request count", ChannelRecordAccess, protocol.RecordFilter(from, true)},
		{"request records", ChannelRecordAccess, protocol.RecordFilter(from, false)},
		{"finish", ChannelRecordAccess, protocol.Finish()},
	})
	if err != nil {
		return nil, err
	}

	chunks, err := protocol.SplitRecords(d.session.Drain(ChannelMeasurement))
	if err != nil {
		return nil, err
	}
	records := make([]*measurement.Record, 0, len(chunks))
	for i, c := range chunks {
		rec, err := measurement.Parse(c.First, c.Continuation)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		d.logger.Info("[BLE] got measurement", "seq", rec.SequenceNumber, "weight", rec.Weight.String(), "unit", rec.WeightUnit)
		records = append(records, rec)
	}

	if count, ok := d.session.RecordCount(); ok && int(count) != len(records) {
		d.logger.Warn("[BLE] record count mismatch", "reported", count, "decoded", len(records))
	}
	return records, nil
}

// Link is a connected session together with its driver. Each Link is one
// physical connection; Close tears it down.
type Link struct {
	*Driver
	session *Session
}

// Dial connects to the scale at mac and returns a ready Link.
func Dial(ctx context.Context, adapter Adapter, mac string, opts SessionOptions, logger *slog.Logger) (*Link, error) {
	s := NewSession(adapter, mac, opts, logger)
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	return &Link{Driver: NewDriver(s, logger), session: s}, nil
}

// Close disables notifications if needed, unpairs and disconnects.
func (l *Link) Close() {
	if err := l.session.DisableNotifications(); err != nil {
		l.logger.Warn("[BLE] disable notifications", "error", err)
	}
	l.session.Disconnect()
}
