package device

import (
	"maps"
	"sync"
	"time"
)

// State is the authoritative, shared view of one physical device.
//
// Every transport (LAN push, cloud socket push, cloud poll, mDNS discovery)
// merges into the same State, so a report from one channel can be read
// through any other. Field values are last-writer-wins per key.
//
// All methods are safe for concurrent use.
type State struct {
	id string

	mu           sync.RWMutex
	deviceKey    string
	name         string
	uiid         int
	cloudOnline  bool
	localOnline  bool
	ipAddress    string
	localEncrypt bool
	fields       map[string]any
	updatedAt    time.Time
}

// Snapshot is a point-in-time copy of a State.
//
// Fields is a shallow copy; nested values decoded from JSON are treated
// as immutable once merged.
type Snapshot struct {
	ID           string         `json:"deviceid"`
	DeviceKey    string         `json:"-"`
	Name         string         `json:"name,omitempty"`
	UIID         int            `json:"uiid,omitempty"`
	CloudOnline  bool           `json:"cloud_online"`
	LocalOnline  bool           `json:"local_online"`
	IPAddress    string         `json:"ip_address,omitempty"`
	LocalEncrypt bool           `json:"local_encrypt"`
	Fields       map[string]any `json:"params"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// NewState creates an empty State for the given device.
func NewState(id, deviceKey string) *State {
	return &State{
		id:        id,
		deviceKey: deviceKey,
		fields:    make(map[string]any),
	}
}

// ID returns the device identifier. It never changes.
func (s *State) ID() string { return s.id }

// DeviceKey returns the per-device secret used for LAN encryption.
func (s *State) DeviceKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceKey
}

// SetDeviceKey stores the device key. Empty keys are ignored so that a
// poll without key material does not erase a configured one.
func (s *State) SetDeviceKey(key string) {
	if key == "" {
		return
	}
	s.mu.Lock()
	s.deviceKey = key
	s.mu.Unlock()
}

// Name returns the user-assigned display name, if known.
func (s *State) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

// SetName stores the display name. Empty names are ignored.
func (s *State) SetName(name string) {
	if name == "" {
		return
	}
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
}

// UIID returns the hardware model id, or 0 when not yet known.
func (s *State) UIID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.uiid
}

// SetUIID records the model id. The first non-zero value wins; later
// calls are ignored and report false.
func (s *State) SetUIID(uiid int) bool {
	if uiid == 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uiid != 0 {
		return false
	}
	s.uiid = uiid
	return true
}

// CloudOnline reports whether the cloud last saw the device connected.
func (s *State) CloudOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cloudOnline
}

// SetCloudOnline updates the cloud reachability flag.
func (s *State) SetCloudOnline(online bool) {
	s.mu.Lock()
	s.cloudOnline = online
	s.updatedAt = time.Now()
	s.mu.Unlock()
}

// LocalOnline reports whether the device is currently reachable on the LAN.
func (s *State) LocalOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.localOnline
}

// SetLocalOnline updates the LAN reachability flag.
func (s *State) SetLocalOnline(online bool) {
	s.mu.Lock()
	s.localOnline = online
	s.updatedAt = time.Now()
	s.mu.Unlock()
}

// IPAddress returns the last LAN address seen for the device, or "".
func (s *State) IPAddress() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ipAddress
}

// SetIPAddress records the LAN address. An empty string clears it.
func (s *State) SetIPAddress(ip string) {
	s.mu.Lock()
	s.ipAddress = ip
	s.mu.Unlock()
}

// LocalEncrypt reports whether the device advertised encrypted LAN mode.
func (s *State) LocalEncrypt() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.localEncrypt
}

// SetLocalEncrypt records the advertised LAN encryption mode.
func (s *State) SetLocalEncrypt(encrypt bool) {
	s.mu.Lock()
	s.localEncrypt = encrypt
	s.mu.Unlock()
}

// Merge overwrites each key present in fields. Keys not mentioned keep
// their previous value. It returns the number of keys whose value was
// written.
func (s *State) Merge(fields map[string]any) int {
	if len(fields) == 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range fields {
		s.fields[k] = v
	}
	s.updatedAt = time.Now()
	return len(fields)
}

// Field returns the last-known value for one key.
func (s *State) Field(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.fields[name]
	return v, ok
}

// Fields returns a copy of the whole field map.
func (s *State) Fields() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.fields)
}

// UpdatedAt returns the time of the last merge or connectivity change.
func (s *State) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}

// Snapshot returns a consistent copy of the whole state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		ID:           s.id,
		DeviceKey:    s.deviceKey,
		Name:         s.name,
		UIID:         s.uiid,
		CloudOnline:  s.cloudOnline,
		LocalOnline:  s.localOnline,
		IPAddress:    s.ipAddress,
		LocalEncrypt: s.localEncrypt,
		Fields:       maps.Clone(s.fields),
		UpdatedAt:    s.updatedAt,
	}
}

// restore loads persisted values into a freshly created State.
// Connectivity flags are not restored: they describe live links.
func (s *State) restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.DeviceKey != "" {
		s.deviceKey = snap.DeviceKey
	}
	if snap.Name != "" {
		s.name = snap.Name
	}
	if s.uiid == 0 {
		s.uiid = snap.UIID
	}
	if s.ipAddress == "" {
		s.ipAddress = snap.IPAddress
	}
	s.localEncrypt = snap.LocalEncrypt
	for k, v := range snap.Fields {
		if _, ok := s.fields[k]; !ok {
			s.fields[k] = v
		}
	}
	s.updatedAt = snap.UpdatedAt
}
