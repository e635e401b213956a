package intersection

import (
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/trafficweave/internal/onem2m"
)

func TestParseColor(t *testing.T) {
	tests := []struct {
		input   string
		want    Color
		wantErr bool
	}{
		{input: "red", want: ColorRed},
		{input: "Yellow", want: ColorYellow},
		{input: " green ", want: ColorGreen},
		{input: "off", want: ColorOff},
		{input: "blue", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseColor(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidColor)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseLight(t *testing.T) {
	light, err := ParseLight(2)
	require.NoError(t, err)
	assert.Equal(t, Light2, light)

	_, err = ParseLight(3)
	assert.ErrorIs(t, err, ErrInvalidLight)
	_, err = ParseLight(0)
	assert.ErrorIs(t, err, ErrInvalidLight)
}

func TestApplyIntent(t *testing.T) {
	tests := []struct {
		name           string
		light1, light2 Color
		light          Light
		color          Color
		want1, want2   Color
	}{
		{"green on 1 forces 2 red", ColorRed, ColorGreen, Light1, ColorGreen, ColorGreen, ColorRed},
		{"yellow on 2 forces 1 red", ColorGreen, ColorRed, Light2, ColorYellow, ColorRed, ColorYellow},
		{"off counts as non-red", ColorRed, ColorGreen, Light1, ColorOff, ColorOff, ColorRed},
		{"red leaves other alone", ColorGreen, ColorRed, Light2, ColorRed, ColorGreen, ColorRed},
		{"red on active light", ColorGreen, ColorRed, Light1, ColorRed, ColorRed, ColorRed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got1, got2 := ApplyIntent(tt.light1, tt.light2, tt.light, tt.color)
			assert.Equal(t, tt.want1, got1)
			assert.Equal(t, tt.want2, got2)
		})
	}
}

func TestApplyIntent_NeverTwoNonRed(t *testing.T) {
	colors := []Color{ColorRed, ColorYellow, ColorGreen, ColorOff}
	rng := rand.New(rand.NewSource(42))

	light1, light2 := ColorRed, ColorRed
	for i := 0; i < 10000; i++ {
		light := Light(rng.Intn(2) + 1)
		color := colors[rng.Intn(len(colors))]
		light1, light2 = ApplyIntent(light1, light2, light, color)
		require.True(t, light1 == ColorRed || light2 == ColorRed,
			"step %d: light1=%s light2=%s", i, light1, light2)
	}
}

func TestIntersection_Attributes(t *testing.T) {
	in := New("", "", "intersection1", "ae1")
	in.Light1 = ColorGreen

	attrs, err := in.MarshalAttributes()
	require.NoError(t, err)
	fields := attrs.(map[string]any)
	assert.Equal(t, ColorGreen, fields["l1s"])
	assert.Equal(t, ColorRed, fields["l2s"])
	assert.Equal(t, BLEDisconnected, fields["bts"])
	assert.Equal(t, DefaultContainerDefinition, fields["cnd"])
	assert.Equal(t, DefaultTag, in.WireKey())
	assert.Equal(t, onem2m.TypeFlexContainer, in.ResourceType())
}

func TestIntersection_ApplyNotification(t *testing.T) {
	in := New("", "", "intersection1", "ae1")
	in.ID = "fc1"
	in.BLE = BLEConnected

	rep := json.RawMessage(`{"traffic:trfint":{"ri":"fc1","lt":"20261019T120000","l1s":"yellow","l2s":"red","note":"x"}}`)
	require.NoError(t, onem2m.ApplyNotification(in, rep))

	assert.Equal(t, ColorYellow, in.Light1)
	assert.Equal(t, ColorRed, in.Light2)
	assert.Equal(t, BLEConnected, in.BLE)
	assert.Equal(t, "20261019T120000", in.LastModifiedTime)
	assert.NotContains(t, in.Custom, "l1s")
	assert.Contains(t, in.Custom, "note")
}

func TestIntersection_InvalidAttribute(t *testing.T) {
	in := New("", "", "", "")
	err := onem2m.ApplyNotification(in, json.RawMessage(`{"traffic:trfint":{"l1s":5}}`))
	assert.Error(t, err)
}

func TestIntersection_CloneIsIndependent(t *testing.T) {
	in := New("", "", "intersection1", "ae1")
	in.Custom["note"] = json.RawMessage(`"a"`)

	clone := in.Clone()
	clone.Light1 = ColorGreen
	clone.Custom["note"] = json.RawMessage(`"b"`)

	assert.Equal(t, ColorRed, in.Light1)
	assert.JSONEq(t, `"a"`, string(in.Custom["note"]))
}

func TestIntersection_LightPatch(t *testing.T) {
	in := New("", "", "", "")
	in.Light2 = ColorGreen
	assert.Equal(t, map[string]any{"l1s": ColorRed, "l2s": ColorGreen}, in.LightPatch())
}
