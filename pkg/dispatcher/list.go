// Package dispatcher turns membership into the Kamailio dispatcher.list the
// SIP front-end routes from, publishes it atomically and asks Kamailio to
// reload it.
package dispatcher

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/flosterloh/docker-asterisk/discovery"
)

// Header is the first line of every generated list.
const Header = "# dispatcher.list generated by dispatch-watcher; manual edits are overwritten"

// DefaultSetID is the dispatcher set members are placed in.
const DefaultSetID = 1

// Entry is one routing destination. Weight is passed through untouched.
type Entry struct {
	Address string
	Port    int
	Weight  *int
}

// RoutingList is an immutable, ordered set of destinations.
type RoutingList struct {
	SetID   int
	Entries []Entry
}

// NewRoutingList builds the list from members, ordered by member id.
func NewRoutingList(setID int, members []discovery.MemberRecord) RoutingList {
	sorted := make([]discovery.MemberRecord, len(members))
	copy(sorted, members)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	l := RoutingList{SetID: setID, Entries: make([]Entry, 0, len(sorted))}
	for _, m := range sorted {
		e := Entry{Address: m.Address, Port: m.Port}
		if m.Weight != nil {
			w := *m.Weight
			e.Weight = &w
		}
		l.Entries = append(l.Entries, e)
	}
	return l
}

// URI returns the SIP destination of e.
func (e Entry) URI() string {
	return "sip:" + net.JoinHostPort(e.Address, strconv.Itoa(e.Port))
}

// Render writes l in dispatcher.list syntax. An empty list renders as the
// header alone, which Kamailio accepts.
func Render(w io.Writer, l RoutingList) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, Header)
	for _, e := range l.Entries {
		if e.Weight != nil {
			fmt.Fprintf(bw, "%d %s 0 0 weight=%d\n", l.SetID, e.URI(), *e.Weight)
			continue
		}
		fmt.Fprintf(bw, "%d %s\n", l.SetID, e.URI())
	}
	return bw.Flush()
}

// Bytes renders l into memory.
func (l RoutingList) Bytes() []byte {
	var buf bytes.Buffer
	_ = Render(&buf, l)
	return buf.Bytes()
}

// Parse reads a dispatcher.list. Lines are `setid destination [flags [priority [attrs]]]`;
// comments and blank lines are skipped. All entries must share one set id.
func Parse(r io.Reader) (RoutingList, error) {
	l := RoutingList{SetID: DefaultSetID}
	seenSet := false
	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return RoutingList{}, fmt.Errorf("line %d: want setid and destination", n)
		}
		setID, err := strconv.Atoi(fields[0])
		if err != nil {
			return RoutingList{}, fmt.Errorf("line %d: set id: %w", n, err)
		}
		if seenSet && setID != l.SetID {
			return RoutingList{}, fmt.Errorf("line %d: mixed set ids %d and %d", n, l.SetID, setID)
		}
		l.SetID, seenSet = setID, true

		e, err := parseDestination(fields[1])
		if err != nil {
			return RoutingList{}, fmt.Errorf("line %d: %w", n, err)
		}
		if len(fields) >= 5 {
			if e.Weight, err = parseWeight(fields[4]); err != nil {
				return RoutingList{}, fmt.Errorf("line %d: %w", n, err)
			}
		}
		l.Entries = append(l.Entries, e)
	}
	if err := sc.Err(); err != nil {
		return RoutingList{}, err
	}
	return l, nil
}

func parseDestination(uri string) (Entry, error) {
	hp, ok := strings.CutPrefix(uri, "sip:")
	if !ok {
		return Entry{}, fmt.Errorf("destination %q: not a sip uri", uri)
	}
	if i := strings.IndexByte(hp, ';'); i >= 0 {
		hp = hp[:i]
	}
	host, port, err := net.SplitHostPort(hp)
	if err != nil {
		return Entry{}, fmt.Errorf("destination %q: %w", uri, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return Entry{}, fmt.Errorf("destination %q: port: %w", uri, err)
	}
	return Entry{Address: host, Port: p}, nil
}

// parseWeight finds weight=N in a ';'-separated attribute string.
func parseWeight(attrs string) (*int, error) {
	for _, kv := range strings.Split(attrs, ";") {
		v, ok := strings.CutPrefix(kv, "weight=")
		if !ok {
			continue
		}
		w, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("weight %q: %w", v, err)
		}
		return &w, nil
	}
	return nil, nil
}
