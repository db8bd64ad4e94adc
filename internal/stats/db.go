package stats

import (
	"container/list"
	"fmt"
	"log"
	"net/netip"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Op identifies a replicated mutation.
type Op string

const (
	OpAddInt       Op = "add_int"
	OpAddString    Op = "add_string"
	OpAddStringInt Op = "add_string_int"
	OpSubInt       Op = "sub_int"
	OpSubString    Op = "sub_string"
	OpReset        Op = "reset"
)

// Update is the replication event emitted for every local write. Receivers
// apply it without re-emitting.
type Update struct {
	DB    string `json:"db"`
	Key   string `json:"key"`
	Field string `json:"field,omitempty"` // empty for whole-key reset
	Op    Op     `json:"op"`
	Int   int    `json:"int,omitempty"`
	Str   string `json:"str,omitempty"`
}

// SlotDump is one serialised window slot.
type SlotDump struct {
	Start int64  `json:"start"`
	Blob  []byte `json:"blob"`
}

// DumpEntry carries the full windowed state of one key, used for warm sync
// and persistence.
type DumpEntry struct {
	DB        string                `json:"db"`
	Key       string                `json:"key"`
	StartTime int64                 `json:"start_time"`
	Fields    map[string][]SlotDump `json:"fields"`
}

// FieldValue pairs a field name with its summed value.
type FieldValue struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

type slot struct {
	start int64 // first-write timestamp, 0 when empty
	agg   aggregator
}

type ring struct {
	slots     []slot
	lastSweep int64

	// One-deep sum cache, invalidated by any write to the ring. cacheNow
	// bounds its lifetime to one second so slot expiry is never masked.
	cacheOK    bool
	cacheNow   int64
	cacheProbe string
	cacheSum   int
}

func (r *ring) invalidate() { r.cacheOK = false }

type entry struct {
	fields map[string]*ring
	elem   *list.Element // position in the LRM list
}

// DB is a named sliding-window stats database. All reads and writes are
// serialised by a single mutex.
type DB struct {
	mu         sync.Mutex
	name       string
	windowSize int64
	numWindows int
	startTime  int64
	fields     map[string]FieldSpec
	entries    map[string]*entry
	lrm        *list.List // front = least recently modified; values are keys
	softMax    int
	v4Prefix   int
	v6Prefix   int

	replicate bool
	onUpdate  func(Update)

	expireSleep time.Duration
	logger      *log.Logger
	now         func() time.Time
	stop        chan struct{}
	stopOnce    sync.Once
}

const defaultSoftMax = 524288

// New creates a stats DB. windowSize is in seconds.
func New(name string, windowSize, numWindows int, fields []FieldSpec) (*DB, error) {
	if windowSize < 1 || numWindows < 1 {
		return nil, fmt.Errorf("stats db %q: windowSize and numWindows must be >= 1", name)
	}
	fm := make(map[string]FieldSpec, len(fields))
	for _, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("stats db %q: field with empty name", name)
		}
		if _, dup := fm[f.Name]; dup {
			return nil, fmt.Errorf("stats db %q: duplicate field %q", name, f.Name)
		}
		fm[f.Name] = f
	}
	db := &DB{
		name:        name,
		windowSize:  int64(windowSize),
		numWindows:  numWindows,
		fields:      fm,
		entries:     make(map[string]*entry),
		lrm:         list.New(),
		softMax:     defaultSoftMax,
		expireSleep: 250 * time.Millisecond,
		logger:      log.New(log.Writer(), "[STATS] ", log.LstdFlags),
		now:         time.Now,
		stop:        make(chan struct{}),
	}
	db.startTime = db.now().Unix()
	return db, nil
}

func (db *DB) Name() string { return db.name }

// SetMaxSize adjusts the soft cap on the number of keys.
func (db *DB) SetMaxSize(n int) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if n > 0 {
		db.softMax = n
	}
}

// SetV4Prefix masks IPv4-typed keys to the given prefix length.
func (db *DB) SetV4Prefix(bits int) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if bits > 0 && bits <= 32 {
		db.v4Prefix = bits
	}
}

// SetV6Prefix masks IPv6-typed keys to the given prefix length.
func (db *DB) SetV6Prefix(bits int) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if bits > 0 && bits <= 128 {
		db.v6Prefix = bits
	}
}

// EnableReplication turns on emission of replication events for local writes.
func (db *DB) EnableReplication(on bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.replicate = on
}

// SetUpdateHandler installs the replication fan-out callback. It is invoked
// outside the DB lock.
func (db *DB) SetUpdateHandler(fn func(Update)) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.onUpdate = fn
}

// Size returns the number of keys currently held.
func (db *DB) Size() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.entries)
}

// normalizeKey flattens IP-literal keys (mapped v4, optional prefix masking)
// so that equivalent addresses collapse to one key. Non-IP keys pass through.
func (db *DB) normalizeKey(key string) string {
	addr, err := netip.ParseAddr(key)
	if err != nil {
		return key
	}
	addr = addr.Unmap()
	bits := 0
	if addr.Is4() {
		bits = db.v4Prefix
	} else {
		bits = db.v6Prefix
	}
	if bits > 0 {
		if p, err := addr.Prefix(bits); err == nil {
			addr = p.Addr()
		}
	}
	return addr.String()
}

// KeyForAddr returns the canonical DB key for an IP address.
func (db *DB) KeyForAddr(addr netip.Addr) string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.normalizeKey(addr.Unmap().String())
}

// =============================================================================
// Windowing
// =============================================================================

func (db *DB) slotIndex(now int64) int {
	return int(((now - db.startTime) / db.windowSize) % int64(db.numWindows))
}

func (db *DB) slotStart(now int64) int64 {
	return now - ((now - db.startTime) % db.windowSize)
}

func (db *DB) horizon() int64 {
	return db.windowSize * int64(db.numWindows)
}

// sweep clears expired slots in a ring. Skipped when the last sweep was less
// than one window ago so hot keys do not pay it per write.
func (db *DB) sweep(r *ring, now int64) {
	if now-r.lastSweep < db.windowSize {
		return
	}
	r.lastSweep = now
	for i := range r.slots {
		s := &r.slots[i]
		if s.start != 0 && now-s.start >= db.horizon() {
			s.agg.erase()
			s.start = 0
			r.invalidate()
		}
	}
}

func (db *DB) touch(key string, e *entry) {
	if e.elem == nil {
		e.elem = db.lrm.PushBack(key)
	} else {
		db.lrm.MoveToBack(e.elem)
	}
}

func (db *DB) getOrCreate(key string) *entry {
	e, ok := db.entries[key]
	if !ok {
		e = &entry{fields: make(map[string]*ring, len(db.fields))}
		db.entries[key] = e
	}
	return e
}

func (db *DB) getRing(e *entry, field string, spec FieldSpec) *ring {
	r, ok := e.fields[field]
	if !ok {
		r = &ring{slots: make([]slot, db.numWindows)}
		for i := range r.slots {
			r.slots[i].agg = spec.newAggregator()
		}
		e.fields[field] = r
	}
	return r
}

// mutate runs fn against the current slot of (key, field), handling sweep,
// first-write stamping, LRM maintenance and cache invalidation.
func (db *DB) mutate(key, field string, fn func(aggregator)) {
	spec := db.fields[field]
	now := db.now().Unix()
	e := db.getOrCreate(key)
	r := db.getRing(e, field, spec)
	db.sweep(r, now)
	s := &r.slots[db.slotIndex(now)]
	// A slot left over from a previous lap of the ring is stale even if the
	// periodic sweep has not caught it yet.
	if s.start != 0 && now-s.start >= db.horizon() {
		s.agg.erase()
		s.start = 0
	}
	fn(s.agg)
	if s.start == 0 {
		s.start = db.slotStart(now)
	}
	r.invalidate()
	db.touch(key, e)
}

func (db *DB) emit(u Update) {
	if db.onUpdate != nil {
		db.onUpdate(u)
	}
}

func (db *DB) checkField(field string, kinds ...Kind) (FieldSpec, bool) {
	spec, ok := db.fields[field]
	if !ok {
		db.logger.Printf("⚠️  db %s: unknown field %q", db.name, field)
		return FieldSpec{}, false
	}
	for _, k := range kinds {
		if spec.Kind == k {
			return spec, true
		}
	}
	db.logger.Printf("⚠️  db %s: field %q is %s, operation not supported", db.name, field, spec.Kind)
	return FieldSpec{}, false
}

// =============================================================================
// Writes
// =============================================================================

// AddInt adds delta to an integer field. On an HLL field the integer is
// stringified and recorded as an occurrence.
func (db *DB) AddInt(key, field string, delta int) bool {
	return db.addInt(key, field, delta, true)
}

func (db *DB) addInt(key, field string, delta int, replicate bool) bool {
	db.mu.Lock()
	spec, ok := db.checkField(field, KindInt, KindHLL)
	if !ok {
		db.mu.Unlock()
		return false
	}
	key = db.normalizeKey(key)
	if spec.Kind == KindHLL {
		db.mutate(key, field, func(a aggregator) { a.addString(strconv.Itoa(delta), 1) })
	} else {
		db.mutate(key, field, func(a aggregator) { a.addInt(int32(delta)) })
	}
	rep := replicate && db.replicate
	db.mu.Unlock()
	if rep {
		db.emit(Update{DB: db.name, Key: key, Field: field, Op: OpAddInt, Int: delta})
	}
	return true
}

// SubInt subtracts delta from an integer field.
func (db *DB) SubInt(key, field string, delta int) bool {
	return db.subInt(key, field, delta, true)
}

func (db *DB) subInt(key, field string, delta int, replicate bool) bool {
	db.mu.Lock()
	if _, ok := db.checkField(field, KindInt); !ok {
		db.mu.Unlock()
		return false
	}
	key = db.normalizeKey(key)
	db.mutate(key, field, func(a aggregator) { a.subInt(int32(delta)) })
	rep := replicate && db.replicate
	db.mu.Unlock()
	if rep {
		db.emit(Update{DB: db.name, Key: key, Field: field, Op: OpSubInt, Int: delta})
	}
	return true
}

// AddString records an occurrence of s: cardinality for HLL fields, count+1
// for Count-Min fields.
func (db *DB) AddString(key, field, s string) bool {
	return db.addStringN(key, field, s, 1, OpAddString, true, KindHLL, KindCountMin)
}

// AddStringN records s with weight n on a Count-Min field.
func (db *DB) AddStringN(key, field, s string, n int) bool {
	return db.addStringN(key, field, s, n, OpAddStringInt, true, KindCountMin)
}

func (db *DB) addStringN(key, field, s string, n int, op Op, replicate bool, kinds ...Kind) bool {
	if n <= 0 {
		n = 1
	}
	db.mu.Lock()
	if _, ok := db.checkField(field, kinds...); !ok {
		db.mu.Unlock()
		return false
	}
	key = db.normalizeKey(key)
	db.mutate(key, field, func(a aggregator) { a.addString(s, uint32(n)) })
	rep := replicate && db.replicate
	db.mu.Unlock()
	if rep {
		db.emit(Update{DB: db.name, Key: key, Field: field, Op: op, Str: s, Int: n})
	}
	return true
}

// SubString decrements the count of s on a Count-Min field.
func (db *DB) SubString(key, field, s string) bool {
	return db.subString(key, field, s, true)
}

func (db *DB) subString(key, field, s string, replicate bool) bool {
	db.mu.Lock()
	if _, ok := db.checkField(field, KindCountMin); !ok {
		db.mu.Unlock()
		return false
	}
	key = db.normalizeKey(key)
	db.mutate(key, field, func(a aggregator) { a.subString(s) })
	rep := replicate && db.replicate
	db.mu.Unlock()
	if rep {
		db.emit(Update{DB: db.name, Key: key, Field: field, Op: OpSubString, Str: s})
	}
	return true
}

// Reset drops all state for a key.
func (db *DB) Reset(key string) bool {
	return db.reset(key, true)
}

func (db *DB) reset(key string, replicate bool) bool {
	db.mu.Lock()
	key = db.normalizeKey(key)
	e, ok := db.entries[key]
	if ok {
		if e.elem != nil {
			db.lrm.Remove(e.elem)
		}
		delete(db.entries, key)
	}
	rep := replicate && db.replicate
	db.mu.Unlock()
	if rep {
		db.emit(Update{DB: db.name, Key: key, Op: OpReset})
	}
	return ok
}

// ResetField zeros a single field of a key.
func (db *DB) ResetField(key, field string) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	key = db.normalizeKey(key)
	e, ok := db.entries[key]
	if !ok {
		return false
	}
	r, ok := e.fields[field]
	if !ok {
		return false
	}
	for i := range r.slots {
		r.slots[i].agg.erase()
		r.slots[i].start = 0
	}
	r.invalidate()
	return true
}

// Apply performs a mutation received from a sibling; no re-emission.
func (db *DB) Apply(u Update) bool {
	switch u.Op {
	case OpAddInt:
		return db.addInt(u.Key, u.Field, u.Int, false)
	case OpSubInt:
		return db.subInt(u.Key, u.Field, u.Int, false)
	case OpAddString:
		return db.addStringN(u.Key, u.Field, u.Str, 1, OpAddString, false, KindHLL, KindCountMin)
	case OpAddStringInt:
		return db.addStringN(u.Key, u.Field, u.Str, u.Int, OpAddStringInt, false, KindCountMin)
	case OpSubString:
		return db.subString(u.Key, u.Field, u.Str, false)
	case OpReset:
		return db.reset(u.Key, false)
	default:
		db.logger.Printf("⚠️  db %s: unknown replicated op %q", db.name, u.Op)
		return false
	}
}

// =============================================================================
// Reads
// =============================================================================

func (db *DB) live(s *slot, now int64) bool {
	return s.start != 0 && now-s.start < db.horizon()
}

// sumRing computes the windowed sum for one ring under the DB lock.
func (db *DB) sumRing(r *ring, spec FieldSpec, probe string, now int64) int {
	if r.cacheOK && r.cacheProbe == probe && r.cacheNow == now {
		return r.cacheSum
	}
	var sum int
	switch spec.Kind {
	case KindHLL:
		merged := newHLL(spec.HLLBits)
		for i := range r.slots {
			if db.live(&r.slots[i], now) {
				merged.merge(r.slots[i].agg.(*hllSketch))
			}
		}
		sum = merged.estimate()
	default:
		for i := range r.slots {
			if db.live(&r.slots[i], now) {
				sum += r.slots[i].agg.get(probe)
			}
		}
	}
	r.cacheOK = true
	r.cacheNow = now
	r.cacheProbe = probe
	r.cacheSum = sum
	return sum
}

// Get sums a field across all live windows.
func (db *DB) Get(key, field string) int { return db.GetProbe(key, field, "") }

// GetProbe sums the frequency estimate of probe across all live windows of a
// Count-Min field.
func (db *DB) GetProbe(key, field, probe string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	spec, ok := db.fields[field]
	if !ok {
		db.logger.Printf("⚠️  db %s: unknown field %q", db.name, field)
		return 0
	}
	e, ok := db.entries[db.normalizeKey(key)]
	if !ok {
		return 0
	}
	r, ok := e.fields[field]
	if !ok {
		return 0
	}
	return db.sumRing(r, spec, probe, db.now().Unix())
}

// GetCurrent reads only the active window slot.
func (db *DB) GetCurrent(key, field string) int { return db.GetCurrentProbe(key, field, "") }

func (db *DB) GetCurrentProbe(key, field, probe string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.fields[field]; !ok {
		db.logger.Printf("⚠️  db %s: unknown field %q", db.name, field)
		return 0
	}
	e, ok := db.entries[db.normalizeKey(key)]
	if !ok {
		return 0
	}
	r, ok := e.fields[field]
	if !ok {
		return 0
	}
	now := db.now().Unix()
	s := &r.slots[db.slotIndex(now)]
	if !db.live(s, now) {
		return 0
	}
	return s.agg.get(probe)
}

// GetWindows returns per-slot values ordered from the current window
// backwards in time.
func (db *DB) GetWindows(key, field string) []int { return db.GetWindowsProbe(key, field, "") }

func (db *DB) GetWindowsProbe(key, field, probe string) []int {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]int, db.numWindows)
	if _, ok := db.fields[field]; !ok {
		db.logger.Printf("⚠️  db %s: unknown field %q", db.name, field)
		return out
	}
	e, ok := db.entries[db.normalizeKey(key)]
	if !ok {
		return out
	}
	r, ok := e.fields[field]
	if !ok {
		return out
	}
	now := db.now().Unix()
	cur := db.slotIndex(now)
	for i := 0; i < db.numWindows; i++ {
		idx := (cur - i + db.numWindows) % db.numWindows
		if db.live(&r.slots[idx], now) {
			out[i] = r.slots[idx].agg.get(probe)
		}
	}
	return out
}

// GetAllFields returns the windowed sum of every field of a key, sorted by
// field name.
func (db *DB) GetAllFields(key string) []FieldValue {
	db.mu.Lock()
	defer db.mu.Unlock()
	e, ok := db.entries[db.normalizeKey(key)]
	if !ok {
		return nil
	}
	now := db.now().Unix()
	out := make([]FieldValue, 0, len(e.fields))
	for name, r := range e.fields {
		out = append(out, FieldValue{Name: name, Value: db.sumRing(r, db.fields[name], "", now)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// =============================================================================
// Dump / restore
// =============================================================================

// DumpAll streams one DumpEntry per key to emit. The DB lock is released
// between keys so a bulk sync does not starve the request path.
func (db *DB) DumpAll(emit func(DumpEntry) error) error {
	db.mu.Lock()
	keys := make([]string, 0, len(db.entries))
	for k := range db.entries {
		keys = append(keys, k)
	}
	db.mu.Unlock()

	for _, k := range keys {
		de, ok := db.dumpKey(k)
		if !ok {
			continue // evicted since the snapshot
		}
		if err := emit(de); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) dumpKey(key string) (DumpEntry, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	e, ok := db.entries[key]
	if !ok {
		return DumpEntry{}, false
	}
	de := DumpEntry{
		DB:        db.name,
		Key:       key,
		StartTime: db.startTime,
		Fields:    make(map[string][]SlotDump, len(e.fields)),
	}
	for name, r := range e.fields {
		slots := make([]SlotDump, len(r.slots))
		for i := range r.slots {
			slots[i] = SlotDump{Start: r.slots[i].start, Blob: r.slots[i].agg.dump()}
		}
		de.Fields[name] = slots
	}
	return de, true
}

// RestoreEntry injects a dumped key, replacing any existing state for it.
// Slots whose data has already aged out are dropped.
func (db *DB) RestoreEntry(de DumpEntry) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	now := db.now().Unix()
	e := db.getOrCreate(de.Key)
	for name, slots := range de.Fields {
		spec, ok := db.fields[name]
		if !ok {
			db.logger.Printf("⚠️  db %s: restore skips unknown field %q", db.name, name)
			continue
		}
		r := db.getRing(e, name, spec)
		for i, sd := range slots {
			if i >= len(r.slots) {
				break
			}
			if sd.Start == 0 || now-sd.Start >= db.horizon() {
				continue
			}
			agg := spec.newAggregator()
			if err := agg.restore(sd.Blob); err != nil {
				db.logger.Printf("⚠️  db %s: restore of %s/%s slot %d: %v", db.name, de.Key, name, i, err)
				continue
			}
			r.slots[i].agg = agg
			r.slots[i].start = sd.Start
		}
		r.invalidate()
	}
	db.touch(de.Key, e)
	return true
}

// =============================================================================
// Eviction
// =============================================================================

// SetExpireSleep adjusts the evictor wakeup interval (tests).
func (db *DB) SetExpireSleep(d time.Duration) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if d > 0 {
		db.expireSleep = d
	}
}

// StartExpireThread launches the background evictor: while the key count
// exceeds the soft max, least-recently-modified keys are dropped.
func (db *DB) StartExpireThread() {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				db.logger.Printf("💥 FATAL: db %s evictor panicked: %v", db.name, r)
			}
		}()
		ticker := time.NewTicker(db.expireSleep)
		defer ticker.Stop()
		for {
			select {
			case <-db.stop:
				return
			case <-ticker.C:
				db.evictOnce()
			}
		}
	}()
}

func (db *DB) evictOnce() {
	db.mu.Lock()
	defer db.mu.Unlock()
	evicted := 0
	for len(db.entries) > db.softMax {
		front := db.lrm.Front()
		if front == nil {
			break
		}
		key := front.Value.(string)
		db.lrm.Remove(front)
		delete(db.entries, key)
		evicted++
	}
	if evicted > 0 {
		db.logger.Printf("db %s evicted %d keys (soft max %d)", db.name, evicted, db.softMax)
	}
}

// Stop terminates the evictor goroutine.
func (db *DB) Stop() {
	db.stopOnce.Do(func() { close(db.stop) })
}
