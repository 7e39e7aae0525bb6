package service

import (
	"sync"

	"github.com/nethesis/matrix-appservice/models"
)

// RoomEventFunc receives a room event together with the room it belongs to.
type RoomEventFunc func(roomID string, evt *models.Event)

// EphemeralEventFunc receives an MSC2409 ephemeral event.
type EphemeralEventFunc func(evt *models.Event)

// FailedDecryptionFunc receives an encrypted event the engine could not
// decrypt.
type FailedDecryptionFunc func(roomID string, evt *models.Event, err error)

// DeviceListsFunc receives an MSC3202 device list delta.
type DeviceListsFunc func(lists *models.DeviceLists)

// OTKCountsFunc receives MSC3202 one-time key counts.
type OTKCountsFunc func(counts models.OTKCounts)

// FallbackKeysFunc receives MSC3202 unused fallback key types.
type FallbackKeysFunc func(keys models.FallbackKeys)

// IntentFunc receives a freshly created intent.
type IntentFunc func(intent *Intent)

// listeners holds the registered callbacks. Emission is synchronous with
// transaction processing order.
type listeners struct {
	mu sync.RWMutex

	roomEvent        []RoomEventFunc
	roomMessage      []RoomEventFunc
	roomEncrypted    []RoomEventFunc
	roomDecrypted    []RoomEventFunc
	failedDecryption []FailedDecryptionFunc
	roomJoin         []RoomEventFunc
	roomLeave        []RoomEventFunc
	roomInvite       []RoomEventFunc
	roomArchived     []RoomEventFunc
	roomUpgraded     []RoomEventFunc
	ephemeral        []EphemeralEventFunc
	deviceLists      []DeviceListsFunc
	otkCounts        []OTKCountsFunc
	fallbackKeys     []FallbackKeysFunc
	newIntent        []IntentFunc
}

func (l *listeners) emitRoom(set func(*listeners) []RoomEventFunc, roomID string, evt *models.Event) {
	l.mu.RLock()
	fns := set(l)
	l.mu.RUnlock()
	for _, fn := range fns {
		fn(roomID, evt)
	}
}

// OnRoomEvent registers a listener for every room event.
func (as *Appservice) OnRoomEvent(fn RoomEventFunc) {
	as.listeners.mu.Lock()
	defer as.listeners.mu.Unlock()
	as.listeners.roomEvent = append(as.listeners.roomEvent, fn)
}

// OnRoomMessage registers a listener for m.room.message events.
func (as *Appservice) OnRoomMessage(fn RoomEventFunc) {
	as.listeners.mu.Lock()
	defer as.listeners.mu.Unlock()
	as.listeners.roomMessage = append(as.listeners.roomMessage, fn)
}

// OnRoomEncryptedEvent registers a listener for m.room.encrypted events.
func (as *Appservice) OnRoomEncryptedEvent(fn RoomEventFunc) {
	as.listeners.mu.Lock()
	defer as.listeners.mu.Unlock()
	as.listeners.roomEncrypted = append(as.listeners.roomEncrypted, fn)
}

// OnRoomDecryptedEvent registers a listener for successfully decrypted
// events.
func (as *Appservice) OnRoomDecryptedEvent(fn RoomEventFunc) {
	as.listeners.mu.Lock()
	defer as.listeners.mu.Unlock()
	as.listeners.roomDecrypted = append(as.listeners.roomDecrypted, fn)
}

// OnFailedDecryption registers a listener for decryption failures.
func (as *Appservice) OnFailedDecryption(fn FailedDecryptionFunc) {
	as.listeners.mu.Lock()
	defer as.listeners.mu.Unlock()
	as.listeners.failedDecryption = append(as.listeners.failedDecryption, fn)
}

// OnRoomJoin registers a listener for namespaced-user joins.
func (as *Appservice) OnRoomJoin(fn RoomEventFunc) {
	as.listeners.mu.Lock()
	defer as.listeners.mu.Unlock()
	as.listeners.roomJoin = append(as.listeners.roomJoin, fn)
}

// OnRoomLeave registers a listener for namespaced-user leaves and bans.
func (as *Appservice) OnRoomLeave(fn RoomEventFunc) {
	as.listeners.mu.Lock()
	defer as.listeners.mu.Unlock()
	as.listeners.roomLeave = append(as.listeners.roomLeave, fn)
}

// OnRoomInvite registers a listener for namespaced-user invites.
func (as *Appservice) OnRoomInvite(fn RoomEventFunc) {
	as.listeners.mu.Lock()
	defer as.listeners.mu.Unlock()
	as.listeners.roomInvite = append(as.listeners.roomInvite, fn)
}

// OnRoomArchived registers a listener for m.room.tombstone events.
func (as *Appservice) OnRoomArchived(fn RoomEventFunc) {
	as.listeners.mu.Lock()
	defer as.listeners.mu.Unlock()
	as.listeners.roomArchived = append(as.listeners.roomArchived, fn)
}

// OnRoomUpgraded registers a listener for m.room.create events carrying a
// predecessor.
func (as *Appservice) OnRoomUpgraded(fn RoomEventFunc) {
	as.listeners.mu.Lock()
	defer as.listeners.mu.Unlock()
	as.listeners.roomUpgraded = append(as.listeners.roomUpgraded, fn)
}

// OnEphemeralEvent registers a listener for MSC2409 ephemeral events.
func (as *Appservice) OnEphemeralEvent(fn EphemeralEventFunc) {
	as.listeners.mu.Lock()
	defer as.listeners.mu.Unlock()
	as.listeners.ephemeral = append(as.listeners.ephemeral, fn)
}

// OnDeviceLists registers a listener for MSC3202 device list deltas.
func (as *Appservice) OnDeviceLists(fn DeviceListsFunc) {
	as.listeners.mu.Lock()
	defer as.listeners.mu.Unlock()
	as.listeners.deviceLists = append(as.listeners.deviceLists, fn)
}

// OnOTKCounts registers a listener for MSC3202 one-time key counts.
func (as *Appservice) OnOTKCounts(fn OTKCountsFunc) {
	as.listeners.mu.Lock()
	defer as.listeners.mu.Unlock()
	as.listeners.otkCounts = append(as.listeners.otkCounts, fn)
}

// OnUnusedFallbackKeys registers a listener for MSC3202 fallback key types.
func (as *Appservice) OnUnusedFallbackKeys(fn FallbackKeysFunc) {
	as.listeners.mu.Lock()
	defer as.listeners.mu.Unlock()
	as.listeners.fallbackKeys = append(as.listeners.fallbackKeys, fn)
}

// OnNewIntent registers a listener fired exactly once per distinct user ID
// when its intent is first created.
func (as *Appservice) OnNewIntent(fn IntentFunc) {
	as.listeners.mu.Lock()
	defer as.listeners.mu.Unlock()
	as.listeners.newIntent = append(as.listeners.newIntent, fn)
}
