package reconcile

import (
	"encoding/json"
	"fmt"
	"maps"

	"github.com/nerrad567/gray-logic-sonoff/internal/device"
	"github.com/nerrad567/gray-logic-sonoff/internal/transport/cloud"
)

// Input is one inbound message from any transport. The concrete types are
// LocalPush, CloudPush, CloudPollBatch and ServiceResolved.
type Input interface {
	input()
}

// LocalPush is the JSON body a device returned over the LAN.
type LocalPush struct {
	DeviceID string
	Body     []byte
}

// CloudPush is one raw frame read from the cloud socket.
type CloudPush struct {
	Frame []byte
}

// CloudPollBatch is a thingList response from the REST API.
type CloudPollBatch struct {
	Body []byte
}

// ServiceResolved is an mDNS announcement or removal of a device.
type ServiceResolved struct {
	DeviceID  string
	IPAddress string
	Encrypt   bool

	// Online is false when the service record was withdrawn.
	Online bool
}

func (LocalPush) input()       {}
func (CloudPush) input()       {}
func (CloudPollBatch) input()  {}
func (ServiceResolved) input() {}

// FieldUpdate is the single internal shape every Input is normalized into.
// Nil pointers and empty strings leave the corresponding State value alone.
type FieldUpdate struct {
	DeviceID string
	Source   string
	Fields   map[string]any

	CloudOnline  *bool
	LocalOnline  *bool
	IPAddress    *string
	LocalEncrypt *bool

	DeviceKey string
	Name      string
	UIID      int

	// Create allows a State to be made for an unknown device.
	Create bool
}

// localMetaKeys are envelope members of LAN responses, not device fields.
var localMetaKeys = []string{"error", "seq", "sequence", "deviceid", "encrypt", "iv", "selfApikey"}

func ptr[T any](v T) *T { return &v }

// normalizeLocal turns a LAN response into a FieldUpdate. The fields come
// from the "data" object when present, otherwise from the top level.
func normalizeLocal(in LocalPush) (FieldUpdate, error) {
	var raw map[string]any
	if err := json.Unmarshal(in.Body, &raw); err != nil {
		return FieldUpdate{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	id := in.DeviceID
	if id == "" {
		id, _ = raw["deviceid"].(string) //nolint:errcheck // checked below
	}
	if id == "" {
		return FieldUpdate{}, fmt.Errorf("%w: local push without device id", ErrMalformed)
	}

	var fields map[string]any
	switch data := raw["data"].(type) {
	case map[string]any:
		fields = data
	case nil:
		fields = maps.Clone(raw)
		for _, k := range localMetaKeys {
			delete(fields, k)
		}
	default:
		// Still-encrypted or otherwise opaque data cannot be merged.
		return FieldUpdate{}, fmt.Errorf("%w: local data is %T", ErrMalformed, data)
	}

	return FieldUpdate{
		DeviceID:    id,
		Source:      device.SourceLAN,
		Fields:      fields,
		LocalOnline: ptr(true),
	}, nil
}

// normalizeCloudReport turns an update or sysmsg frame into a FieldUpdate.
func normalizeCloudReport(f cloud.Frame) (FieldUpdate, error) {
	if f.DeviceID == "" {
		return FieldUpdate{}, fmt.Errorf("%w: %s frame without device id", ErrMalformed, f.Action)
	}

	u := FieldUpdate{
		DeviceID: f.DeviceID,
		Source:   device.SourceCloud,
		Fields:   f.Params,
	}
	switch f.Action {
	case cloud.ActionUpdate:
		// A device pushing a report is reachable through the cloud.
		u.CloudOnline = ptr(true)
	case cloud.ActionSysmsg:
		if online, ok := f.Params["online"].(bool); ok {
			u.CloudOnline = ptr(online)
		}
	}
	return u, nil
}

// normalizePoll turns a thingList response into one FieldUpdate per
// device. Entries without a device id are skipped.
func normalizePoll(in CloudPollBatch) ([]FieldUpdate, error) {
	things, err := cloud.DecodeThingList(in.Body)
	if err != nil {
		return nil, err
	}

	updates := make([]FieldUpdate, 0, len(things))
	for _, th := range things {
		d := th.ItemData
		if d.DeviceID == "" {
			continue
		}
		updates = append(updates, FieldUpdate{
			DeviceID:    d.DeviceID,
			Source:      device.SourcePoll,
			Fields:      d.Params,
			CloudOnline: ptr(d.Online),
			DeviceKey:   d.DeviceKey,
			Name:        d.Name,
			UIID:        d.UIID(),
			Create:      true,
		})
	}
	return updates, nil
}

// normalizeService turns a discovery event into a connectivity-only update.
func normalizeService(in ServiceResolved) (FieldUpdate, error) {
	if in.DeviceID == "" {
		return FieldUpdate{}, fmt.Errorf("%w: service without device id", ErrMalformed)
	}
	u := FieldUpdate{
		DeviceID:    in.DeviceID,
		Source:      device.SourceDiscovery,
		LocalOnline: ptr(in.Online),
	}
	if in.Online {
		u.LocalEncrypt = ptr(in.Encrypt)
		if in.IPAddress != "" {
			u.IPAddress = ptr(in.IPAddress)
		}
	}
	return u, nil
}
