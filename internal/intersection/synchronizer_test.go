package intersection

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/trafficweave/internal/onem2m"
	"github.com/piwi3910/trafficweave/internal/onem2m/onem2mtest"
)

type subscribeCall struct {
	kind       string
	id         string
	childTypes []onem2m.ResourceType
}

type fakeSubscriber struct {
	mu    sync.Mutex
	calls []subscribeCall
}

func (f *fakeSubscriber) SubscribeDevice(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, subscribeCall{kind: "device", id: id})
	return nil
}

func (f *fakeSubscriber) SubscribeCreations(_ context.Context, parentID string, childTypes ...onem2m.ResourceType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, subscribeCall{kind: "creations", id: parentID, childTypes: childTypes})
	return nil
}

type fixture struct {
	broker  *onem2mtest.Broker
	conn    *onem2m.Connection
	sync    *Synchronizer
	sub     *fakeSubscriber
	mu      sync.Mutex
	changes []Change
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{broker: onem2mtest.New(t, "id-in"), sub: &fakeSubscriber{}}

	conn, err := onem2m.NewConnection(&onem2m.Config{
		Identity: onem2m.Identity{URL: f.broker.URL(), Originator: "Cdash1", RootID: "id-in"},
	})
	require.NoError(t, err)
	require.NoError(t, conn.Connect(context.Background()))
	f.conn = conn

	s, err := NewSynchronizer(&SyncConfig{
		DeviceAPI:  "NtrafficAPI",
		Updater:    conn,
		Subscriber: f.sub,
		OnChange: func(c Change) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.changes = append(f.changes, c)
		},
	})
	require.NoError(t, err)
	f.sync = s
	return f
}

// seed stores n intersections on the broker and installs them in the list.
func (f *fixture) seed(t *testing.T, n int) []*Intersection {
	t.Helper()
	items := make([]*Intersection, 0, n)
	for i := 0; i < n; i++ {
		id := f.broker.Seed(DefaultTag, onem2m.TypeFlexContainer, "id-in", map[string]any{
			"cnd": DefaultContainerDefinition,
			"l1s": "red",
			"l2s": "green",
			"bts": "connected",
		})
		in := New("", "", "", "")
		in.ID = id
		require.NoError(t, f.conn.Retrieve(context.Background(), in))
		items = append(items, in)
	}
	f.sync.Replace(items)
	return items
}

func (f *fixture) changeTypes() []ChangeType {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]ChangeType, len(f.changes))
	for i, c := range f.changes {
		types[i] = c.Type
	}
	return types
}

func TestNewSynchronizer_Validation(t *testing.T) {
	_, err := NewSynchronizer(nil)
	assert.Error(t, err)

	_, err = NewSynchronizer(&SyncConfig{})
	assert.Error(t, err)
}

func TestSynchronizer_SelectLight(t *testing.T) {
	f := newFixture(t)
	items := f.seed(t, 2)

	state, err := f.sync.SelectLight(context.Background(), 0, Light1, ColorGreen)
	require.NoError(t, err)
	assert.Equal(t, ColorGreen, state.Light1)
	assert.Equal(t, ColorRed, state.Light2)
	assert.Equal(t, items[0].ID, state.ID)

	stored, ok := f.broker.Resource(items[0].ID)
	require.True(t, ok)
	assert.Equal(t, "green", stored["l1s"])
	assert.Equal(t, "red", stored["l2s"])
	assert.Equal(t, "connected", stored["bts"])

	list := f.sync.List()
	require.Len(t, list, 2)
	assert.Equal(t, ColorGreen, list[0].Light1)
	assert.Equal(t, ColorGreen, list[1].Light2)
	assert.Equal(t, 1, f.broker.Count(onem2mtest.OpUpdate))

	assert.Equal(t, []ChangeType{ChangeReplaced, ChangeUpdated, ChangeUpdated}, f.changeTypes())
}

func TestSynchronizer_SelectLightRejectsInvalidIntent(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1)
	ctx := context.Background()

	_, err := f.sync.SelectLight(ctx, 1, Light1, ColorGreen)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)

	_, err = f.sync.SelectLight(ctx, 0, Light(3), ColorGreen)
	assert.ErrorIs(t, err, ErrInvalidLight)

	_, err = f.sync.SelectLight(ctx, 0, Light1, Color("blue"))
	assert.ErrorIs(t, err, ErrInvalidColor)

	assert.Equal(t, 0, f.broker.Count(onem2mtest.OpUpdate))
}

func TestSynchronizer_SelectLightRollsBackOnFailure(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1)
	f.broker.FailNext(onem2mtest.OpUpdate, http.StatusInternalServerError, onem2m.RSCInternalServerError)

	_, err := f.sync.SelectLight(context.Background(), 0, Light1, ColorGreen)
	require.Error(t, err)
	assert.True(t, onem2m.IsTransport(err))

	list := f.sync.List()
	require.Len(t, list, 1)
	assert.Equal(t, ColorRed, list[0].Light1)
	assert.Equal(t, ColorGreen, list[0].Light2)
}

func TestSynchronizer_InvariantOverIntentSequences(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1)
	ctx := context.Background()

	intents := []struct {
		light Light
		color Color
	}{
		{Light1, ColorGreen}, {Light2, ColorYellow}, {Light2, ColorRed}, {Light1, ColorOff},
		{Light2, ColorGreen}, {Light1, ColorRed}, {Light1, ColorYellow}, {Light2, ColorOff},
	}
	for _, intent := range intents {
		state, err := f.sync.SelectLight(ctx, 0, intent.light, intent.color)
		require.NoError(t, err)
		assert.True(t, state.Light1 == ColorRed || state.Light2 == ColorRed, "%+v", state)
	}
}

func TestSynchronizer_UpdateNotification(t *testing.T) {
	f := newFixture(t)
	items := f.seed(t, 3)

	f.broker.Modify(items[1].ID, map[string]any{"l1s": "yellow", "l2s": "red", "bts": "disconnected"})
	n := &onem2m.Notification{
		EventType:      onem2m.EventUpdate,
		Representation: f.broker.Representation(items[1].ID),
	}
	require.NoError(t, f.sync.HandleNotification(context.Background(), n))

	list := f.sync.List()
	require.Len(t, list, 3)
	assert.Equal(t, ColorYellow, list[1].Light1)
	assert.Equal(t, BLEDisconnected, list[1].BLE)
	for _, i := range []int{0, 2} {
		assert.Equal(t, ColorRed, list[i].Light1)
		assert.Equal(t, ColorGreen, list[i].Light2)
	}
}

func TestSynchronizer_UpdateNotificationForUnknownID(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1)

	n := &onem2m.Notification{
		EventType:      onem2m.EventUpdate,
		Representation: []byte(`{"traffic:trfint":{"ri":"gone","l1s":"green"}}`),
	}
	require.NoError(t, f.sync.HandleNotification(context.Background(), n))
	assert.Equal(t, 1, f.sync.Len())
	assert.Equal(t, ColorRed, f.sync.List()[0].Light1)
}

func TestSynchronizer_DeleteNotification(t *testing.T) {
	for _, event := range []onem2m.NotificationEventType{onem2m.EventDelete, onem2m.EventDeleteChild} {
		t.Run(event.String(), func(t *testing.T) {
			f := newFixture(t)
			items := f.seed(t, 3)

			n := &onem2m.Notification{
				EventType:      event,
				Representation: f.broker.Representation(items[1].ID),
			}
			require.NoError(t, f.sync.HandleNotification(context.Background(), n))

			list := f.sync.List()
			require.Len(t, list, 2)
			for _, state := range list {
				assert.NotEqual(t, items[1].ID, state.ID)
			}
			assert.Equal(t, 1, list[1].Index)
		})
	}
}

func TestSynchronizer_CreateIntersectionNotification(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1)

	id := f.broker.Seed(DefaultTag, onem2m.TypeFlexContainer, "id-in", map[string]any{
		"rn":  "intersection9",
		"cnd": DefaultContainerDefinition,
		"l1s": "red",
		"l2s": "green",
		"bts": "connected",
	})
	n := &onem2m.Notification{
		EventType:      onem2m.EventCreateChild,
		Representation: f.broker.Representation(id),
	}
	require.NoError(t, f.sync.HandleNotification(context.Background(), n))

	list := f.sync.List()
	require.Len(t, list, 2)
	assert.Equal(t, id, list[1].ID)
	assert.Equal(t, "intersection9", list[1].Name)
	assert.Equal(t, ColorRed, list[1].Light1)
	assert.Equal(t, ColorGreen, list[1].Light2)

	require.Len(t, f.sub.calls, 1)
	assert.Equal(t, subscribeCall{kind: "device", id: id}, f.sub.calls[0])

	require.NoError(t, f.sync.HandleNotification(context.Background(), n))
	assert.Equal(t, 2, f.sync.Len())
}

func TestSynchronizer_CreateDeviceNotification(t *testing.T) {
	f := newFixture(t)

	device := f.broker.Seed(onem2m.KeyApplicationEntity, onem2m.TypeApplicationEntity, "id-in",
		map[string]any{"rn": "Cdevice1", "api": "NtrafficAPI"})
	other := f.broker.Seed(onem2m.KeyApplicationEntity, onem2m.TypeApplicationEntity, "id-in",
		map[string]any{"rn": "Cother", "api": "Nother"})

	for _, id := range []string{device, other} {
		n := &onem2m.Notification{
			EventType:      onem2m.EventCreateChild,
			Representation: f.broker.Representation(id),
		}
		require.NoError(t, f.sync.HandleNotification(context.Background(), n))
	}

	require.Len(t, f.sub.calls, 1)
	assert.Equal(t, "creations", f.sub.calls[0].kind)
	assert.Equal(t, device, f.sub.calls[0].id)
	assert.Equal(t, []onem2m.ResourceType{onem2m.TypeFlexContainer}, f.sub.calls[0].childTypes)
	assert.Equal(t, 0, f.sync.Len())
}

func TestSynchronizer_IgnoresVerificationAndUnknownKinds(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1)
	ctx := context.Background()

	require.NoError(t, f.sync.HandleNotification(ctx, &onem2m.Notification{VerificationRequest: true}))
	require.NoError(t, f.sync.HandleNotification(ctx, &onem2m.Notification{SubscriptionDeletion: true}))
	require.NoError(t, f.sync.HandleNotification(ctx, &onem2m.Notification{
		EventType:      onem2m.EventCreateChild,
		Representation: []byte(`{"m2m:cnt":{"ri":"cnt1"}}`),
	}))
	require.NoError(t, f.sync.HandleNotification(ctx, nil))

	assert.Equal(t, 1, f.sync.Len())
	assert.Empty(t, f.sub.calls)
}

func TestSynchronizer_GetReturnsCopy(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1)

	in, err := f.sync.Get(0)
	require.NoError(t, err)
	in.Light1 = ColorGreen
	assert.Equal(t, ColorRed, f.sync.List()[0].Light1)

	_, err = f.sync.Get(5)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestIntersection_CreateRetrieveRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		light1, light2 Color
		ble            BLEState
	}{
		{ColorGreen, ColorRed, BLEConnected},
		{ColorRed, ColorYellow, BLEDisconnected},
		{ColorOff, ColorOff, BLEConnected},
	}
	for i, tc := range cases {
		created := New("", "", fmt.Sprintf("roundtrip%d", i), "id-in")
		created.Light1, created.Light2, created.BLE = tc.light1, tc.light2, tc.ble
		require.NoError(t, f.conn.Create(ctx, created))
		require.NotEmpty(t, created.ID)

		stored, ok := f.broker.Resource(created.ID)
		require.True(t, ok)
		assert.Equal(t, string(tc.light1), stored["l1s"])
		assert.Equal(t, string(tc.light2), stored["l2s"])
		assert.Equal(t, string(tc.ble), stored["bts"])

		fresh := New("", "", "", "")
		fresh.ID = created.ID
		require.NoError(t, f.conn.Retrieve(ctx, fresh))
		assert.Equal(t, tc.light1, fresh.Light1)
		assert.Equal(t, tc.light2, fresh.Light2)
		assert.Equal(t, tc.ble, fresh.BLE)
		assert.Equal(t, created.Name, fresh.Name)
	}
}
