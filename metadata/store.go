package metadata

import (
	"log/slog"
	"sync"

	"openenterprise/bindicator/flash"
)

// Store owns the sole cached copy of the current metadata record. All
// mutation goes through its atomic-write path, which re-reads both
// sectors before deciding where to write.
type Store struct {
	mu  sync.Mutex
	dev flash.Device
	log *slog.Logger

	cached       Record
	cachedSector int // which physical sector (0 or 1) currently holds cached
}

// NewStore reads both metadata sectors, selects (or creates) the
// canonical record, and returns a ready Store.
func NewStore(dev flash.Device, log *slog.Logger) (*Store, error) {
	s := &Store{dev: dev, log: log}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) readSector(sector int) (Record, error) {
	buf := make([]byte, flash.MetadataSectorSize)
	if err := s.dev.Read(flash.MetadataSectorOffset(sector), buf); err != nil {
		return Record{}, err
	}
	var r Record
	if err := r.UnmarshalBinary(buf); err != nil {
		return Record{}, err
	}
	return r, nil
}

// init implements "Selection on init": read both sectors,
// validate each, pick the valid one with the higher sequence; if both are
// invalid, write a factory-default record to sector 0 then a
// sequence-incremented copy to sector 1, so both sectors hold valid
// records from the outset.
func (s *Store) init() error {
	rec0, err0 := s.readSector(0)
	rec1, err1 := s.readSector(1)

	valid0 := err0 == nil && rec0.Validate() == nil
	valid1 := err1 == nil && rec1.Validate() == nil

	switch {
	case valid0 && valid1:
		if rec0.Sequence >= rec1.Sequence {
			s.cached, s.cachedSector = rec0, 0
		} else {
			s.cached, s.cachedSector = rec1, 1
		}
		s.logInfo("metadata:init-selected", slog.Int("sector", s.cachedSector), slog.Uint64("sequence", uint64(s.cached.Sequence)))
		return nil
	case valid0:
		s.cached, s.cachedSector = rec0, 0
		s.logInfo("metadata:init-selected", slog.Int("sector", 0), slog.Uint64("sequence", uint64(rec0.Sequence)))
		return nil
	case valid1:
		s.cached, s.cachedSector = rec1, 1
		s.logInfo("metadata:init-selected", slog.Int("sector", 1), slog.Uint64("sequence", uint64(rec1.Sequence)))
		return nil
	}

	s.logInfo("metadata:init-factory-default")
	def := DefaultRecord()
	def.Sequence = 1
	if err := s.writeSector(0, def); err != nil {
		return err
	}
	def.Sequence = 2
	def.CRC32OfRecord = def.computedCRC32()
	if err := s.writeSector(1, def); err != nil {
		return err
	}
	s.cached, s.cachedSector = def, 1
	return nil
}

// writeSector erases then programs one full sector with rec's marshaled
// form, then reads it back and re-validates.
func (s *Store) writeSector(sector int, rec Record) error {
	offset := flash.MetadataSectorOffset(sector)
	data, _ := rec.MarshalBinary()

	if err := s.dev.EraseMetadataSector(sector); err != nil {
		return err
	}
	if err := s.dev.Write(offset, data); err != nil {
		return err
	}

	readBack, err := s.readSector(sector)
	if err != nil {
		return err
	}
	if err := readBack.Validate(); err != nil {
		s.logError("metadata:write-verify-failed", slog.Int("sector", sector), slog.String("err", err.Error()))
		return ErrWriteVerify
	}
	return nil
}

// Read returns a copy of the currently cached canonical record.
func (s *Store) Read() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cached
}

// Mutate applies fn to a copy of the cached record, increments sequence,
// and performs the atomic write: re-read and re-validate
// both sectors, pick the lower-sequence one as target, erase+program it,
// verify by reread, and only then update the RAM cache. On any failure
// the cache (and the previously-canonical sector) is left untouched.
func (s *Store) Mutate(fn func(*Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cached
	fn(&next)
	next.Sequence = s.cached.Sequence + 1
	next.CRC32OfRecord = next.computedCRC32()

	rec0, err0 := s.readSector(0)
	rec1, err1 := s.readSector(1)
	valid0 := err0 == nil && rec0.Validate() == nil
	valid1 := err1 == nil && rec1.Validate() == nil

	target := 0
	switch {
	case valid0 && valid1:
		if rec0.Sequence <= rec1.Sequence {
			target = 0
		} else {
			target = 1
		}
	case valid0:
		target = 1
	case valid1:
		target = 0
	default:
		target = 0
	}

	if err := s.writeSector(target, next); err != nil {
		return err
	}

	s.cached = next
	s.cachedSector = target
	return nil
}

func (s *Store) logInfo(msg string, args ...any) {
	if s.log != nil {
		s.log.Info(msg, args...)
	}
}

func (s *Store) logError(msg string, args ...any) {
	if s.log != nil {
		s.log.Error(msg, args...)
	}
}
