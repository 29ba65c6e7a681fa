package models

import (
	"io"
	"strconv"
	"strings"
)

// Status tokens. The STATUS value is a comma-joined token list whose first
// token names the lifecycle state; the dead tokens mark an endpoint dead
// regardless of its liveness flag.
const (
	StatusNormal        = "NORMAL"
	StatusLeft          = "LEFT"
	StatusHibernate     = "hibernate"
	StatusRemovingToken = "removing"
	StatusRemovedToken  = "removed"
	StatusShutdown      = "shutdown"

	valueDelimiter = ","
)

var deadStatuses = []string{StatusRemovingToken, StatusRemovedToken, StatusLeft, StatusHibernate}

// VersionedValue is one application-state entry. The version comes from the
// same process-wide counter as the heartbeat version.
type VersionedValue struct {
	Value   string
	Version int32
}

// StatusToken returns the first comma-separated token of a STATUS value.
func (v VersionedValue) StatusToken() string {
	token, _, _ := strings.Cut(v.Value, valueDelimiter)
	return token
}

func IsDeadStatus(token string) bool {
	for _, dead := range deadStatuses {
		if token == dead {
			return true
		}
	}
	return false
}

func (v VersionedValue) MarshalTo(w io.Writer) error {
	if err := WriteInt32(w, v.Version); err != nil {
		return err
	}
	return WriteUTF(w, v.Value)
}

func ReadVersionedValue(r io.Reader) (VersionedValue, error) {
	version, err := ReadInt32(r)
	if err != nil {
		return VersionedValue{}, err
	}
	value, err := ReadUTF(r)
	if err != nil {
		return VersionedValue{}, err
	}
	return VersionedValue{Value: value, Version: version}, nil
}

// ValueFactory builds versioned values bound to one version generator, so
// every locally produced value draws from the node's own sequence.
type ValueFactory struct {
	gen *VersionGenerator
}

func NewValueFactory(gen *VersionGenerator) *ValueFactory {
	return &ValueFactory{gen: gen}
}

func (f *ValueFactory) make(value string) VersionedValue {
	return VersionedValue{Value: value, Version: f.gen.NextVersion()}
}

func (f *ValueFactory) Normal(token string) VersionedValue {
	return f.make(StatusNormal + valueDelimiter + token)
}

// Left carries the wall-clock expiration (ms) after which peers may evict
// the departed endpoint.
func (f *ValueFactory) Left(token string, expireAtMillis int64) VersionedValue {
	return f.make(StatusLeft + valueDelimiter + token + valueDelimiter + strconv.FormatInt(expireAtMillis, 10))
}

func (f *ValueFactory) Hibernate() VersionedValue {
	return f.make(StatusHibernate + valueDelimiter + "true")
}

func (f *ValueFactory) Removing(hostID string) VersionedValue {
	return f.make(StatusRemovingToken + valueDelimiter + hostID)
}

func (f *ValueFactory) Removed(hostID string, expireAtMillis int64) VersionedValue {
	return f.make(StatusRemovedToken + valueDelimiter + hostID + valueDelimiter + strconv.FormatInt(expireAtMillis, 10))
}

func (f *ValueFactory) Shutdown() VersionedValue {
	return f.make(StatusShutdown + valueDelimiter + "true")
}

func (f *ValueFactory) Datacenter(dc string) VersionedValue {
	return f.make(dc)
}

func (f *ValueFactory) Rack(rack string) VersionedValue {
	return f.make(rack)
}

func (f *ValueFactory) Tokens(token uint64) VersionedValue {
	return f.make(strconv.FormatUint(token, 10))
}

func (f *ValueFactory) HostID(hostID string) VersionedValue {
	return f.make(hostID)
}

func (f *ValueFactory) Load(load float64) VersionedValue {
	return f.make(strconv.FormatFloat(load, 'f', -1, 64))
}

func (f *ValueFactory) InternalIP(addr string) VersionedValue {
	return f.make(addr)
}

func (f *ValueFactory) NetVersion(version int) VersionedValue {
	return f.make(strconv.Itoa(version))
}

func (f *ValueFactory) Severity(severity float64) VersionedValue {
	return f.make(strconv.FormatFloat(severity, 'f', -1, 64))
}

// CloneWithHigherVersion re-stamps a value with a fresh version; used by the
// local update path to outrun remote updates applied during notifications.
func (f *ValueFactory) CloneWithHigherVersion(v VersionedValue) VersionedValue {
	return VersionedValue{Value: v.Value, Version: f.gen.NextVersion()}
}

// ParseLeftExpiry extracts the expiration timestamp from a LEFT or removed
// STATUS value; ok is false when the value carries none.
func ParseLeftExpiry(value string) (int64, bool) {
	pieces := strings.Split(value, valueDelimiter)
	if len(pieces) < 3 {
		return 0, false
	}
	expire, err := strconv.ParseInt(pieces[len(pieces)-1], 10, 64)
	if err != nil || expire <= 0 {
		return 0, false
	}
	return expire, true
}

// ParseSeverity reads a SEVERITY value; malformed input counts as zero.
func ParseSeverity(value string) float64 {
	severity, err := strconv.ParseFloat(value, 64)
	if err != nil || severity < 0 || severity != severity {
		return 0
	}
	return severity
}
