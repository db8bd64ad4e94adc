package api

import (
	"log"

	"github.com/loginsentry/loginsentry/internal/lists"
	"github.com/loginsentry/loginsentry/internal/replication"
	"github.com/loginsentry/loginsentry/internal/stats"
)

// ReplApplier applies decrypted sibling messages to the local stores with
// replication disabled, so applied changes never echo back out and never
// trigger webhooks.
type ReplApplier struct {
	DBs   map[string]*stats.DB
	Deny  *lists.Store
	Allow *lists.Store

	logger *log.Logger
}

// NewReplApplier wires the stores the receive pipeline writes into.
func NewReplApplier(dbs []*stats.DB, deny, allow *lists.Store) *ReplApplier {
	a := &ReplApplier{
		DBs:    make(map[string]*stats.DB, len(dbs)),
		Deny:   deny,
		Allow:  allow,
		logger: log.New(log.Writer(), "[REPL] ", log.LstdFlags),
	}
	for _, db := range dbs {
		a.DBs[db.Name()] = db
	}
	return a
}

// Apply implements replication.Applier.
func (a *ReplApplier) Apply(msg replication.Message) {
	switch msg.Type {
	case replication.TypeStatsUpdate:
		db, ok := a.DBs[msg.Update.DB]
		if !ok {
			a.logger.Printf("⚠️  update for unknown stats db %q dropped", msg.Update.DB)
			return
		}
		db.Apply(*msg.Update)
	case replication.TypeStatsDump:
		db, ok := a.DBs[msg.Dump.DB]
		if !ok {
			a.logger.Printf("⚠️  dump for unknown stats db %q dropped", msg.Dump.DB)
			return
		}
		db.RestoreEntry(*msg.Dump)
	case replication.TypeListAdd:
		store := a.storeFor(msg.List.Store)
		if store == nil {
			return
		}
		store.AddKey(msg.List.Space, msg.List.Key, msg.List.ExpireSecs, msg.List.Reason, false)
	case replication.TypeListDelete:
		store := a.storeFor(msg.List.Store)
		if store == nil {
			return
		}
		store.DeleteKey(msg.List.Space, msg.List.Key, false)
	}
}

func (a *ReplApplier) storeFor(kind lists.Kind) *lists.Store {
	if kind == lists.Allow {
		return a.Allow
	}
	return a.Deny
}
