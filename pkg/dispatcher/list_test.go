package dispatcher

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flosterloh/docker-asterisk/discovery"
)

func intp(v int) *int { return &v }

func TestNewRoutingListSortsByID(t *testing.T) {
	members := []discovery.MemberRecord{
		{ID: "10.0.0.9:5060", Address: "10.0.0.9", Port: 5060},
		{ID: "10.0.0.1:5060", Address: "10.0.0.1", Port: 5060, Weight: intp(30)},
		{ID: "10.0.0.5:5080", Address: "10.0.0.5", Port: 5080},
	}
	l := NewRoutingList(1, members)
	require.Len(t, l.Entries, 3)
	assert.Equal(t, "10.0.0.1", l.Entries[0].Address)
	assert.Equal(t, 30, *l.Entries[0].Weight)
	assert.Equal(t, "10.0.0.5", l.Entries[1].Address)
	assert.Equal(t, "10.0.0.9", l.Entries[2].Address)
	assert.Equal(t, "10.0.0.9:5060", members[0].ID, "input is not reordered")

	*members[1].Weight = 99
	assert.Equal(t, 30, *l.Entries[0].Weight, "list does not alias member weights")
}

func TestRender(t *testing.T) {
	l := RoutingList{SetID: 1, Entries: []Entry{
		{Address: "10.0.0.5", Port: 5060},
		{Address: "10.0.0.6", Port: 5060, Weight: intp(50)},
		{Address: "fd00::1", Port: 5070},
	}}
	want := Header + "\n" +
		"1 sip:10.0.0.5:5060\n" +
		"1 sip:10.0.0.6:5060 0 0 weight=50\n" +
		"1 sip:[fd00::1]:5070\n"
	assert.Equal(t, want, string(l.Bytes()))
}

func TestRenderEmpty(t *testing.T) {
	out := NewRoutingList(1, nil).Bytes()
	assert.Equal(t, Header+"\n", string(out))

	parsed, err := Parse(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Empty(t, parsed.Entries)
}

func TestParse(t *testing.T) {
	in := `
# comment
2 sip:10.0.0.5:5060 0 0 duid=a;weight=25;socket=udp
2 sip:10.0.0.6:5060;transport=udp 8
`
	l, err := Parse(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, 2, l.SetID)
	require.Len(t, l.Entries, 2)
	assert.Equal(t, Entry{Address: "10.0.0.5", Port: 5060, Weight: intp(25)}, l.Entries[0])
	assert.Equal(t, Entry{Address: "10.0.0.6", Port: 5060}, l.Entries[1])
}

func TestParseErrors(t *testing.T) {
	tests := map[string]string{
		"missing destination": "1\n",
		"bad set id":          "x sip:10.0.0.5:5060\n",
		"not sip":             "1 http://10.0.0.5:5060\n",
		"no port":             "1 sip:10.0.0.5\n",
		"bad weight":          "1 sip:10.0.0.5:5060 0 0 weight=lots\n",
		"mixed sets":          "1 sip:10.0.0.5:5060\n2 sip:10.0.0.6:5060\n",
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(in))
			assert.Error(t, err)
		})
	}
}

func key(e Entry) string {
	w := "-"
	if e.Weight != nil {
		w = fmt.Sprint(*e.Weight)
	}
	return fmt.Sprintf("%s|%d|%s", e.Address, e.Port, w)
}

func TestRenderParseRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	genEntry := gopter.CombineGens(
		gen.IntRange(0, 255),
		gen.IntRange(1, 65535),
		gen.IntRange(-1, 100),
	).Map(func(v []interface{}) Entry {
		e := Entry{Address: fmt.Sprintf("10.0.0.%d", v[0].(int)), Port: v[1].(int)}
		if w := v[2].(int); w >= 0 {
			e.Weight = &w
		}
		return e
	})

	properties.Property("parse(render(l)) has the same entries", prop.ForAll(
		func(entries []Entry, setID int) bool {
			l := RoutingList{SetID: setID, Entries: entries}
			back, err := Parse(bytes.NewReader(l.Bytes()))
			if err != nil || len(back.Entries) != len(entries) {
				return false
			}
			if len(entries) > 0 && back.SetID != setID {
				return false
			}
			a := make([]string, 0, len(entries))
			b := make([]string, 0, len(entries))
			for i := range entries {
				a = append(a, key(entries[i]))
				b = append(b, key(back.Entries[i]))
			}
			sort.Strings(a)
			sort.Strings(b)
			return strings.Join(a, ",") == strings.Join(b, ",")
		},
		gen.SliceOf(genEntry),
		gen.IntRange(0, 9),
	))

	properties.TestingRun(t)
}
