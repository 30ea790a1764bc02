package annotation

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTypeAliases(t *testing.T) {
	cases := map[string]Type{
		"highlight": TypeHighlight,
		"ink":       TypeMarker,
		"Drawing":   TypeMarker,
		" marker ":  TypeMarker,
		"text":      TypeText,
		"shape":     TypeShape,
		"sticky":    TypeNote,
		"note":      TypeNote,
	}
	for raw, want := range cases {
		got, err := ParseType(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
	_, err := ParseType("laser")
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestValidateRejectsMalformedRecords(t *testing.T) {
	base := Record{ID: "h1", Type: TypeHighlight, PageNum: 1, UserID: "u1"}
	require.NoError(t, base.Validate())

	noID := base
	noID.ID = "  "
	require.ErrorIs(t, noID.Validate(), ErrInvalidRecord)

	badType := base
	badType.Type = "laser"
	err := badType.Validate()
	require.ErrorIs(t, err, ErrInvalidRecord)
	require.True(t, errors.Is(err, ErrUnknownType))

	badPage := base
	badPage.PageNum = 0
	require.ErrorIs(t, badPage.Validate(), ErrInvalidRecord)
}

func TestRecordDecodesLegacyFields(t *testing.T) {
	raw := `{"id":"d1","type":"drawing","pageNumber":4,"userId":"u1","timestamp":"2024-03-01T10:20:30.123456","data":{"paths":[]}}`
	var r Record
	require.NoError(t, json.Unmarshal([]byte(raw), &r))
	assert.Equal(t, TypeMarker, r.Type)
	assert.Equal(t, 4, r.PageNum)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 20, 30, 123000000, time.UTC), r.Timestamp.Time)
	assert.JSONEq(t, `{"paths":[]}`, string(r.Data))
}

func TestGroupedRoundTripKeepsPageKeys(t *testing.T) {
	ts := NewTimestamp(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	g := Grouped{}
	g.Add(Record{ID: "h1", Type: TypeHighlight, PageNum: 3, UserID: "u1", Timestamp: ts, Data: json.RawMessage(`{"rects":[]}`)})
	g.Add(Record{ID: "n1", Type: TypeNote, PageNum: 1, UserID: "u1", Timestamp: ts})

	encoded, err := json.Marshal(g)
	require.NoError(t, err)
	assert.Contains(t, string(encoded), `"highlight":{"3":[`)

	var decoded Grouped
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	if diff := cmp.Diff(g.Flatten(), decoded.Flatten()); diff != "" {
		t.Fatalf("grouped tree changed after round trip (-want +got):\n%s", diff)
	}
}

func TestGroupedDecodeFillsTypeAndPageFromKeys(t *testing.T) {
	raw := `{"ink":{"7":[{"id":"m1","userId":"u1"}]},"laser":{"1":[{"id":"x"}]}}`
	var g Grouped
	require.NoError(t, json.Unmarshal([]byte(raw), &g))
	require.Equal(t, 1, g.Count())
	records := g[TypeMarker][7]
	require.Len(t, records, 1)
	assert.Equal(t, TypeMarker, records[0].Type)
	assert.Equal(t, 7, records[0].PageNum)
}

func TestTimestampEncodings(t *testing.T) {
	want := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	for _, raw := range []string{
		`"2024-05-06T07:08:09Z"`,
		`"2024-05-06T09:08:09+02:00"`,
		`"2024-05-06T07:08:09"`,
		`1714979289000`,
	} {
		var ts Timestamp
		require.NoError(t, json.Unmarshal([]byte(raw), &ts), raw)
		assert.True(t, ts.Time.Equal(want), "%s decoded to %s", raw, ts.Time)
	}

	encoded, err := json.Marshal(NewTimestamp(want))
	require.NoError(t, err)
	assert.Equal(t, `"2024-05-06T07:08:09.000Z"`, string(encoded))

	var zero Timestamp
	require.NoError(t, json.Unmarshal([]byte(`null`), &zero))
	assert.True(t, zero.IsZero())
	_, err = ParseTimestamp("yesterday")
	require.Error(t, err)
}

func TestPayloadDefaults(t *testing.T) {
	data, err := EncodePayload(&HighlightData{Rects: []Rect{{X: 1, Y: 2, Width: 3, Height: 4}}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"rects":[{"x":1,"y":2,"width":3,"height":4}],"color":"#ffff00"}`, string(data))

	var shape ShapeData
	require.NoError(t, DecodePayload(Record{ID: "s1", Type: TypeShape, Data: json.RawMessage(`{"points":[{"x":1,"y":1}]}`)}, &shape))
	assert.Equal(t, "rectangle", shape.ShapeType)
	assert.Equal(t, DefaultStrokeWidth, shape.Width)
	assert.Nil(t, shape.Fill)

	var text TextData
	require.NoError(t, DecodePayload(Record{ID: "t1", Type: TypeText}, &text))
	assert.Equal(t, DefaultFontSize, text.FontSize)

	err = DecodePayload(Record{ID: "m1", Type: TypeMarker, Data: json.RawMessage(`[1,2]`)}, &MarkerData{})
	require.Error(t, err)
}
