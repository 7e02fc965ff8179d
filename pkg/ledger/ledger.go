package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type ClaimState string

const (
	StatePending  ClaimState = "Pending"
	StateBound    ClaimState = "Bound"
	StateReleased ClaimState = "Released"
)

const (
	schemaVersion     = 1
	defaultLedgerPath = "/var/lib/fleetgpu/ledger.json"
)

var (
	// ErrConflict means another workload already holds an active claim
	// on the requested device index. Expected during allocation races,
	// handled by trying the next candidate.
	ErrConflict = errors.New("device index already claimed")

	ErrClaimNotFound = errors.New("claim not found")
)

// CorruptError is fatal: a malformed ledger is never repaired or
// discarded automatically, since guessing at claim state risks
// double-binding a device.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("ledger corrupt at %s: %s", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

type InvalidTransitionError struct {
	DeviceIndex int
	From        ClaimState
	To          ClaimState
	Current     ClaimState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid claim transition for device %d: %s -> %s (current state: %s)",
		e.DeviceIndex, e.From, e.To, e.Current)
}

// Claim binds a device index to a workload. At most one claim in
// state Pending or Bound may exist per device index.
type Claim struct {
	DeviceIndex int        `json:"device_index"`
	WorkloadID  string     `json:"workload_id"`
	State       ClaimState `json:"state"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (c *Claim) Active() bool {
	return c.State == StatePending || c.State == StateBound
}

type ledgerDoc struct {
	Version int            `json:"version"`
	Claims  map[int]*Claim `json:"claims"`
}

// Ledger is the persisted set of active claims. All mutations must
// happen inside a lock window (see lock.go); the in-memory mapping is
// only as fresh as the last Load.
type Ledger struct {
	path   string
	audit  string
	Claims map[int]*Claim
}

func New() *Ledger {
	path := viper.GetString("ledgerPath")
	if path == "" {
		path = defaultLedgerPath
	}
	l := NewAt(path)
	l.audit = viper.GetString("auditLog")
	return l
}

func NewAt(path string) *Ledger {
	return &Ledger{path: path, Claims: make(map[int]*Claim)}
}

// EnableAudit appends removed claims to a JSON-lines trail at path.
func (l *Ledger) EnableAudit(path string) {
	l.audit = path
}

func (l *Ledger) Path() string { return l.path }

// Load reads the persisted mapping. An absent file is an empty
// ledger; anything unparsable or inconsistent is a CorruptError.
func (l *Ledger) Load() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			l.Claims = make(map[int]*Claim)
			return nil
		}
		return fmt.Errorf("reading ledger %s: %w", l.path, err)
	}
	doc := &ledgerDoc{}
	if err := json.Unmarshal(data, doc); err != nil {
		return &CorruptError{Path: l.path, Err: err}
	}
	if doc.Version != schemaVersion {
		return &CorruptError{Path: l.path, Err: fmt.Errorf("unsupported schema version: %d", doc.Version)}
	}
	if doc.Claims == nil {
		doc.Claims = make(map[int]*Claim)
	}
	for idx, c := range doc.Claims {
		if c == nil {
			return &CorruptError{Path: l.path, Err: fmt.Errorf("null claim for device %d", idx)}
		}
		if c.DeviceIndex != idx {
			return &CorruptError{Path: l.path, Err: fmt.Errorf("claim keyed %d carries device index %d", idx, c.DeviceIndex)}
		}
		switch c.State {
		case StatePending, StateBound, StateReleased:
		default:
			return &CorruptError{Path: l.path, Err: fmt.Errorf("unknown claim state %q for device %d", c.State, idx)}
		}
	}
	l.Claims = doc.Claims
	return nil
}

// TryInsert creates a Pending claim for deviceIndex, or ErrConflict
// when an active claim already holds that index. Claims always enter
// through Pending.
func (l *Ledger) TryInsert(deviceIndex int, workloadID string) (*Claim, error) {
	if existing, ok := l.Claims[deviceIndex]; ok && existing.Active() {
		return nil, fmt.Errorf("device %d held by workload %s: %w", deviceIndex, existing.WorkloadID, ErrConflict)
	}
	now := time.Now().UTC()
	claim := &Claim{
		DeviceIndex: deviceIndex,
		WorkloadID:  workloadID,
		State:       StatePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	l.Claims[deviceIndex] = claim
	return claim, nil
}

func legalTransition(from, to ClaimState) bool {
	switch {
	case from == StatePending && to == StateBound:
		return true
	case from == StatePending && to == StateReleased:
		return true
	case from == StateBound && to == StateReleased:
		return true
	}
	return false
}

func (l *Ledger) Transition(deviceIndex int, from, to ClaimState) error {
	claim, ok := l.Claims[deviceIndex]
	if !ok {
		return fmt.Errorf("device %d: %w", deviceIndex, ErrClaimNotFound)
	}
	if claim.State != from || !legalTransition(from, to) {
		return &InvalidTransitionError{DeviceIndex: deviceIndex, From: from, To: to, Current: claim.State}
	}
	claim.State = to
	claim.UpdatedAt = time.Now().UTC()
	return nil
}

// Remove deletes a Released claim from the active mapping and hands
// it to the audit trail.
func (l *Ledger) Remove(deviceIndex int) error {
	claim, ok := l.Claims[deviceIndex]
	if !ok {
		return fmt.Errorf("device %d: %w", deviceIndex, ErrClaimNotFound)
	}
	if claim.State != StateReleased {
		return fmt.Errorf("refusing to remove %s claim for device %d", claim.State, deviceIndex)
	}
	delete(l.Claims, deviceIndex)
	l.appendAudit(claim)
	return nil
}

// FindByWorkload returns the active claim held by workloadID, nil
// when it holds none.
func (l *Ledger) FindByWorkload(workloadID string) *Claim {
	for _, c := range l.Claims {
		if c.WorkloadID == workloadID && c.Active() {
			return c
		}
	}
	return nil
}

// ActiveClaims returns active claims ordered by device index.
func (l *Ledger) ActiveClaims() []*Claim {
	var claims []*Claim
	for _, c := range l.Claims {
		if c.Active() {
			claims = append(claims, c)
		}
	}
	sort.Slice(claims, func(i, j int) bool { return claims[i].DeviceIndex < claims[j].DeviceIndex })
	return claims
}

// Persist durably rewrites the ledger: write to a temp file in the
// same directory, fsync, then atomic rename. A crash between write
// and rename leaves the previous document intact.
func (l *Ledger) Persist() error {
	doc := &ledgerDoc{Version: schemaVersion, Claims: l.Claims}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling ledger: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("creating ledger dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(l.path), ".ledger-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp ledger: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp ledger: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp ledger: %w", err)
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		return fmt.Errorf("publishing ledger: %w", err)
	}
	return nil
}

func (l *Ledger) appendAudit(claim *Claim) {
	if l.audit == "" {
		return
	}
	record, err := json.Marshal(claim)
	if err != nil {
		log.Errorf("failed to marshal audit record: %s", err)
		return
	}
	f, err := os.OpenFile(l.audit, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		log.Errorf("failed to open audit trail %s: %s", l.audit, err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(record, '\n')); err != nil {
		log.Errorf("failed to append audit record for device %d: %s", claim.DeviceIndex, err)
	}
}
