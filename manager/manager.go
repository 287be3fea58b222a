package manager

import (
	"errors"
	"hash"
	"hash/crc32"
	"log/slog"
	"sync"

	"openenterprise/bindicator/flash"
	"openenterprise/bindicator/metadata"
)

// Rebooter performs the watchdog-assisted reboot that ends
// ActivateAndReboot/RollbackAndReboot. In production it never returns; the
// host-side/test implementation is a no-op that simply records the call.
type Rebooter interface {
	Reboot()
}

type noopRebooter struct{}

func (noopRebooter) Reboot() {}

// RollbackNotifier is told about a same-session rollback so it can tell
// the outside world; SetRollbackNotifier is optional, and a nil notifier
// (the default) means nothing is announced.
type RollbackNotifier interface {
	Announce(fromBank, toBank string) error
}

// Manager is the firmware manager state machine. It owns
// no flash state directly beyond the in-progress streaming write cursor;
// everything persistent goes through the metadata Store it is handed.
type Manager struct {
	mu       sync.Mutex
	store    *metadata.Store
	dev      flash.Device
	log      *slog.Logger
	rebooter Rebooter
	notifier RollbackNotifier

	status statusBox

	target          flash.FirmwareBank
	targetOffset    uint32
	cursor          uint32 // bytes already committed to flash, page-aligned
	pending         []byte // buffered bytes not yet a full page
	streamCRC       hash.Hash32
	expectedVersion string

	quiesceBefore func()
	quiesceAfter  func()
}

// NewManager returns a Manager in the Idle state, backed by store for
// persistent bank/update metadata and dev for flash I/O.
func NewManager(store *metadata.Store, dev flash.Device, log *slog.Logger) *Manager {
	return &Manager{
		store:    store,
		dev:      dev,
		log:      log,
		rebooter: noopRebooter{},
	}
}

// SetRebooter overrides the default no-op rebooter, e.g. with the
// hardware watchdog-reset implementation on the target.
func (m *Manager) SetRebooter(r Rebooter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rebooter = r
}

// SetRollbackNotifier registers a collaborator to tell about same-boot
// rollbacks, e.g. an MQTT announcer.
func (m *Manager) SetRollbackNotifier(n RollbackNotifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifier = n
}

// SetQuiesceHooks registers callbacks run immediately before an update
// session begins consuming network/CPU resources and immediately after
// it ends, e.g. to pause telemetry reporting for the session's duration.
func (m *Manager) SetQuiesceHooks(before, after func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quiesceBefore = before
	m.quiesceAfter = after
}

// Quiesce runs the registered "pause background work" hook, if any.
func (m *Manager) Quiesce() {
	m.mu.Lock()
	fn := m.quiesceBefore
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Resume runs the registered "resume background work" hook, if any.
func (m *Manager) Resume() {
	m.mu.Lock()
	fn := m.quiesceAfter
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Status returns a snapshot of the current update status.
func (m *Manager) Status() Status {
	return m.status.snapshot()
}

func (m *Manager) logInfo(msg string, args ...any) {
	if m.log != nil {
		m.log.Info(msg, args...)
	}
}

func (m *Manager) logError(msg string, args ...any) {
	if m.log != nil {
		m.log.Error(msg, args...)
	}
}

func (m *Manager) fail(err error) error {
	m.status.set(func(s *Status) {
		s.State = Error
		s.ErrorMessage = err.Error()
	})
	m.logError("manager:error", slog.String("err", err.Error()))
	return err
}

func progressPercent(received, total uint32) int {
	if total == 0 {
		return 0
	}
	return int(uint64(received) * 100 / uint64(total))
}

// StartUpdate begins staging a new image. It rejects if a session is
// already in progress or expectedSize exceeds a bank's capacity, erases
// the target (opposite-of-active) bank, marks the metadata store's
// update-in-progress flag, and transitions to Receiving.
func (m *Manager) StartUpdate(expectedSize uint32, expectedVersion string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status.snapshot().State != Idle {
		return ErrWrongState
	}
	if expectedSize > flash.BankSize {
		return ErrSizeExceedsBank
	}

	active := m.store.Read().ActiveBank
	target := active.Opposite()

	m.status.set(func(s *Status) {
		*s = Status{State: Preparing, TotalBytes: expectedSize, TargetBank: target}
	})
	m.status.set(func(s *Status) { s.State = Erasing })

	m.logInfo("manager:erasing-target", slog.String("bank", target.String()))
	if err := m.dev.EraseBank(target); err != nil {
		return m.fail(err)
	}

	if err := m.store.SetUpdateInProgress(target); err != nil {
		return m.fail(err)
	}

	m.target = target
	m.targetOffset = flash.BankOffset(target)
	m.cursor = 0
	m.pending = m.pending[:0]
	m.streamCRC = crc32.NewIEEE()
	m.expectedVersion = expectedVersion

	m.status.set(func(s *Status) { s.State = Receiving })
	m.logInfo("manager:receiving", slog.String("bank", target.String()), slog.Int("expected", int(expectedSize)))
	return nil
}

// WriteChunk buffers data until a full PageSize page is available, then
// writes that page at the next page-aligned offset inside the target
// bank; a trailing partial page is padded with 0xFF and written at
// finalize.
func (m *Manager) WriteChunk(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status.snapshot().State != Receiving {
		return ErrWrongState
	}

	st := m.status.snapshot()
	if uint64(st.BytesReceived)+uint64(len(data)) > uint64(st.TotalBytes) {
		return m.fail(ErrChunkOverflow)
	}

	m.streamCRC.Write(data)
	m.pending = append(m.pending, data...)

	for len(m.pending) >= int(flash.PageSize) {
		page := m.pending[:flash.PageSize]
		if err := m.dev.Write(m.targetOffset+m.cursor, page); err != nil {
			return m.fail(err)
		}
		m.cursor += flash.PageSize
		m.pending = append([]byte(nil), m.pending[flash.PageSize:]...)
	}

	m.status.set(func(s *Status) {
		s.BytesReceived += uint32(len(data))
		s.ProgressPercent = progressPercent(s.BytesReceived, s.TotalBytes)
	})
	return nil
}

// FinalizeUpdate flushes any residual partial page, requires that exactly
// TotalBytes were received, recomputes the image CRC32 by re-reading from
// flash (never trusting the in-RAM streaming CRC, to defend against
// silent write corruption), and on a match marks the target bank valid
// and clears update-in-progress. On a CRC mismatch it transitions to
// Error and leaves update-in-progress set so the caller can retry or
// cancel.
func (m *Manager) FinalizeUpdate(expectedCRC32 uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status.snapshot().State != Receiving {
		return ErrWrongState
	}

	if len(m.pending) > 0 {
		padded := flash.PadToPage(m.pending)
		if err := m.dev.Write(m.targetOffset+m.cursor, padded); err != nil {
			return m.fail(err)
		}
		m.cursor += uint32(len(padded))
		m.pending = m.pending[:0]
	}

	st := m.status.snapshot()
	if st.BytesReceived != st.TotalBytes {
		return m.fail(ErrSizeMismatch)
	}

	m.status.set(func(s *Status) { s.State = Validating })

	crc, err := m.dev.CalculateCRC32(m.targetOffset, st.TotalBytes, nil)
	if err != nil {
		return m.fail(err)
	}

	if crc != expectedCRC32 {
		// Integrity error: fatal for this update, but the target bank's
		// valid flag stays INVALID and update_in_progress stays true so
		// a retry or explicit cancel can follow.
		m.logError("manager:crc-mismatch", slog.Uint64("got", uint64(crc)), slog.Uint64("want", uint64(expectedCRC32)))
		return m.fail(flash.ErrCrcMismatch)
	}

	if err := m.store.MarkBankValid(m.target, crc, st.TotalBytes, m.expectedVersion); err != nil {
		return m.fail(err)
	}
	if err := m.store.ClearUpdateInProgress(); err != nil {
		return m.fail(err)
	}

	m.status.set(func(s *Status) { s.State = Complete })
	m.logInfo("manager:complete", slog.String("bank", m.target.String()), slog.Int("bytes", int(st.TotalBytes)))
	return nil
}

// ActivateAndReboot switches the active bank to the freshly validated
// target and reboots. Valid only from Complete.
func (m *Manager) ActivateAndReboot() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status.snapshot().State != Complete {
		return ErrWrongState
	}
	if err := m.store.SetActiveBank(m.target); err != nil {
		return m.fail(err)
	}
	m.logInfo("manager:activating", slog.String("bank", m.target.String()))
	m.rebooter.Reboot()
	return nil
}

// RollbackAndReboot delegates to the metadata store's TriggerRollback. It
// returns (false, nil) without rebooting when the opposite bank is not
// valid; any other error is a genuine failure.
func (m *Manager) RollbackAndReboot() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	before := m.store.Read()
	err := m.store.TriggerRollback()
	if errors.Is(err, metadata.ErrOppositeInvalid) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	m.logInfo("manager:rollback")
	if m.notifier != nil {
		if err := m.notifier.Announce(before.ActiveBank.String(), before.ActiveBank.Opposite().String()); err != nil {
			m.logError("manager:notify-failed", slog.String("err", err.Error()))
		}
	}
	m.rebooter.Reboot()
	return true, nil
}

// CancelUpdate is valid from any state. It erases nothing (the target
// bank, if any, was already erased and is simply re-erased on the next
// StartUpdate), clears update-in-progress, and returns to Idle.
func (m *Manager) CancelUpdate() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status.snapshot().State == Idle {
		return nil
	}
	if err := m.store.ClearUpdateInProgress(); err != nil {
		return err
	}
	m.pending = m.pending[:0]
	m.status.set(func(s *Status) { *s = Status{State: Idle} })
	m.logInfo("manager:cancelled")
	return nil
}

// ConfirmBoot resets the active bank's boot counter. Called by the
// application after critical initialization succeeds; if never called,
// the counter persists and increments on the next boot.
func (m *Manager) ConfirmBoot() error {
	active := m.store.Read().ActiveBank
	return m.store.ResetBootCount(active)
}

// DidRollbackOccur reports the one-shot "last boot was a rollback" flag.
func (m *Manager) DidRollbackOccur() bool {
	return m.store.Read().RollbackOccurred
}

// ClearRollbackFlag clears the one-shot rollback notice.
func (m *Manager) ClearRollbackFlag() error {
	return m.store.ClearRollbackFlag()
}

// BankReport is one bank's persisted state, surfaced read-only for a
// status query.
type BankReport struct {
	Bank      flash.FirmwareBank
	Valid     bool
	CRC32     uint32
	Size      uint32
	Version   string
	BootCount uint8
}

// DeviceReport is the full point-in-time device status: persisted bank
// metadata plus the in-RAM update session snapshot.
type DeviceReport struct {
	ActiveBank       flash.FirmwareBank
	Banks            [2]BankReport
	RollbackOccurred bool
	RollbackCount    uint32
	Update           Status
}

// Report gathers the current persisted metadata and in-progress update
// status into one snapshot for the status REST handler.
func (m *Manager) Report() DeviceReport {
	rec := m.store.Read()
	out := DeviceReport{
		ActiveBank:       rec.ActiveBank,
		RollbackOccurred: rec.RollbackOccurred,
		RollbackCount:    rec.RollbackCount,
		Update:           m.Status(),
	}
	for _, b := range []flash.FirmwareBank{flash.BankA, flash.BankB} {
		bm := rec.Banks[b]
		out.Banks[b] = BankReport{
			Bank:      b,
			Valid:     bm.Valid,
			CRC32:     bm.CRC32,
			Size:      bm.Size,
			Version:   bm.VersionStringValue(),
			BootCount: bm.BootCount,
		}
	}
	return out
}
