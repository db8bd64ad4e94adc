package replication

import (
	"fmt"
	"net"
	"time"

	"github.com/loginsentry/loginsentry/internal/lists"
	"github.com/loginsentry/loginsentry/internal/stats"
)

// DumpSource is anything that can stream its full keyed state; the stats
// DBs implement it.
type DumpSource interface {
	Name() string
	DumpAll(emit func(stats.DumpEntry) error) error
}

// PushFullDump opens a fresh stream connection to addr and writes the full
// donor state: one encrypted StatsDBFullDump frame per (db, key), then one
// ListAdd frame per live deny/allow entry with its remaining lifetime. It is
// the donor side of a warm sync; the caller notifies the warming instance
// afterwards.
func (m *Manager) PushFullDump(addr string, sources []DumpSource, stores []*lists.Store) (int, error) {
	if m.codec == nil {
		return 0, fmt.Errorf("replication key not configured")
	}
	conn, err := net.DialTimeout("tcp", addr, m.connectTO)
	if err != nil {
		return 0, fmt.Errorf("sync connect %s: %w", addr, err)
	}
	defer conn.Close()

	sent := 0
	send := func(msg Message) error {
		plain, err := msg.Encode()
		if err != nil {
			return err
		}
		frame, err := m.codec.Seal(plain)
		if err != nil {
			return err
		}
		if err := writeFrame(conn, frame); err != nil {
			return err
		}
		sent++
		return nil
	}

	start := time.Now()
	for _, src := range sources {
		err := src.DumpAll(func(de stats.DumpEntry) error {
			return send(StatsDumpMessage(de))
		})
		if err != nil {
			return sent, fmt.Errorf("sync dump of db %s: %w", src.Name(), err)
		}
	}
	for _, store := range stores {
		if store == nil {
			continue
		}
		now := time.Now()
		for _, space := range []lists.KeySpace{lists.SpaceIP, lists.SpaceLogin, lists.SpaceIPLogin} {
			for _, e := range store.Entries(space) {
				secs := e.ExpireSecs(now)
				if secs <= 0 {
					continue
				}
				msg := ListMessage(store.Kind(), lists.Mutation{
					Add: true, Space: space, Key: e.Key, ExpireSecs: secs, Reason: e.Reason,
				})
				if err := send(msg); err != nil {
					return sent, fmt.Errorf("sync dump of %s list: %w", store.Kind().Prefix(), err)
				}
			}
		}
	}
	m.logger.Printf("✅ full sync to %s: %d entries in %s", addr, sent, time.Since(start).Round(time.Millisecond))
	return sent, nil
}
