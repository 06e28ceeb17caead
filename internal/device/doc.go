// Package device holds the per-device state shared by every transport.
//
// # Key Types
//
//   - State: last-known fields and connectivity flags of one device
//   - Store: the one-State-per-id map of an account, plus listeners
//   - SQLiteRepository: device cache persisted across restarts
//   - SQLiteHistoryRepository: per-update audit trail
//
// # Usage
//
//	store := device.NewStore()
//	st, _ := store.Register(device.Registration{ID: "1000abcdef", DeviceKey: key})
//	store.SetListener(st.ID(), func(s *device.State) {
//	    fmt.Println(s.Fields())
//	})
//
// # Thread Safety
//
// State guards its fields with an RWMutex. Merges from concurrent
// transports are applied whole; readers never see a partially applied
// field map.
package device
