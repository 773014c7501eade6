package section

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/sandertv/gophertunnel/minecraft/nbt"
	"github.com/stretchr/testify/require"

	"github.com/freeeve/worldstore/internal/ioworker"
	"github.com/freeeve/worldstore/internal/region"
)

// beacons is a toy section value: named points of interest in one section.
type beacons struct {
	names     []string
	markDirty func()
}

func (b *beacons) add(name string) {
	b.names = append(b.names, name)
	if b.markDirty != nil {
		b.markDirty()
	}
}

type beaconCodec struct{}

func (beaconCodec) Encode(b *beacons) (any, error) {
	names := make(map[string]any, len(b.names))
	for i, n := range b.names {
		names[strconv.Itoa(i)] = n
	}
	return map[string]any{"names": names}, nil
}

func (beaconCodec) Decode(raw any) (*beacons, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, errors.New("section is not a compound")
	}
	names, _ := m["names"].(map[string]any)
	b := &beacons{}
	for i := 0; ; i++ {
		v, ok := names[strconv.Itoa(i)]
		if !ok {
			break
		}
		s, ok := v.(string)
		if !ok {
			return nil, errors.New("name is not a string")
		}
		b.names = append(b.names, s)
	}
	return b, nil
}

func newBeacons(markDirty func()) *beacons { return &beacons{markDirty: markDirty} }

func newWorker(t *testing.T) *ioworker.Worker {
	t.Helper()
	store, err := region.NewStore(region.Config{Dir: t.TempDir()})
	require.NoError(t, err)
	w := ioworker.New(store, ioworker.Config{})
	t.Cleanup(func() { w.Close() })
	return w
}

func newStore(t *testing.T, w *ioworker.Worker, version int32, up Upgrader) *Store[*beacons] {
	t.Helper()
	s, err := New[*beacons](w, Config[*beacons]{
		Codec:       beaconCodec{},
		Factory:     newBeacons,
		Upgrader:    up,
		DataVersion: version,
		MinSection:  -1,
		MaxSection:  3,
	})
	require.NoError(t, err)
	return s
}

func readRecord(t *testing.T, w *ioworker.Worker, pos region.ChunkPos) map[string]any {
	t.Helper()
	data, err := w.Load(pos).Wait(context.Background())
	require.NoError(t, err)
	require.NotNil(t, data)
	var record map[string]any
	require.NoError(t, nbt.UnmarshalEncoding(data, &record, nbt.BigEndian))
	return record
}

func TestGetOrLoadFreshColumn(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, newWorker(t), 1, nil)
	key := Key{Pos: region.ChunkPos{X: 4, Z: 5}, Y: 2}

	_, _, loaded := s.Get(key)
	require.False(t, loaded)

	_, present, err := s.GetOrLoad(ctx, key)
	require.NoError(t, err)
	require.False(t, present)

	// The whole column is now cached as absent.
	for y := int32(-1); y <= 3; y++ {
		_, present, loaded := s.Get(Key{Pos: key.Pos, Y: y})
		require.True(t, loaded)
		require.False(t, present)
	}
	require.False(t, s.HasWork())
}

func TestCreateMarkFlushReload(t *testing.T) {
	ctx := context.Background()
	w := newWorker(t)
	s := newStore(t, w, 1, nil)
	pos := region.ChunkPos{X: -3, Z: 7}

	b, err := s.GetOrCreate(ctx, Key{pos, 0})
	require.NoError(t, err)
	require.False(t, s.HasWork(), "new sections are clean until marked")

	b.add("spawn")
	require.True(t, s.HasWork())
	top, err := s.GetOrCreate(ctx, Key{pos, 3})
	require.NoError(t, err)
	top.add("tower")

	require.NoError(t, s.Flush(ctx, pos))
	require.False(t, s.HasWork())

	record := readRecord(t, w, pos)
	require.Equal(t, int32(1), record["DataVersion"])
	sections := record["Sections"].(map[string]any)
	require.Len(t, sections, 2)
	require.Contains(t, sections, "0")
	require.Contains(t, sections, "3")

	fresh := newStore(t, w, 1, nil)
	got, present, err := fresh.GetOrLoad(ctx, Key{pos, 3})
	require.NoError(t, err)
	require.True(t, present)
	require.Equal(t, []string{"tower"}, got.names)
	_, present, err = fresh.GetOrLoad(ctx, Key{pos, 1})
	require.NoError(t, err)
	require.False(t, present)
}

func TestOutsideRange(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, newWorker(t), 1, nil)
	key := Key{Pos: region.ChunkPos{}, Y: 4}

	_, present, err := s.GetOrLoad(ctx, key)
	require.NoError(t, err)
	require.False(t, present)

	_, err = s.GetOrCreate(ctx, key)
	require.ErrorIs(t, err, ErrOutsideRange)
}

func TestSetDirtyWithoutValueIgnored(t *testing.T) {
	s := newStore(t, newWorker(t), 1, nil)
	s.SetDirty(Key{Pos: region.ChunkPos{X: 1}, Y: 0})
	require.False(t, s.HasWork())
}

func TestTickWritesOneColumnAtATime(t *testing.T) {
	ctx := context.Background()
	w := newWorker(t)
	s := newStore(t, w, 1, nil)
	a, b := region.ChunkPos{X: 0, Z: 0}, region.ChunkPos{X: 1, Z: 0}

	for _, y := range []int32{-1, 0, 2} {
		v, err := s.GetOrCreate(ctx, Key{a, y})
		require.NoError(t, err)
		v.add("a")
	}
	v, err := s.GetOrCreate(ctx, Key{b, 1})
	require.NoError(t, err)
	v.add("b")

	budget := 1
	require.NoError(t, s.Tick(ctx, func() bool { budget--; return budget >= 0 }))
	require.True(t, s.HasWork(), "second column still dirty")

	_, err = drain(w)
	require.NoError(t, err)
	require.Len(t, readRecord(t, w, a)["Sections"], 3)
	exists, err := w.Exists(b).Wait(ctx)
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, s.Tick(ctx, func() bool { return true }))
	require.False(t, s.HasWork())
	_, err = drain(w)
	require.NoError(t, err)
	require.Len(t, readRecord(t, w, b)["Sections"], 1)
}

func drain(w *ioworker.Worker) (struct{}, error) {
	return w.Synchronize(false).Wait(context.Background())
}

func TestUpgradeMarksSectionsDirty(t *testing.T) {
	ctx := context.Background()
	w := newWorker(t)
	pos := region.ChunkPos{X: 2, Z: 2}

	// Version 1 stored the names under "legacy".
	old, err := nbt.MarshalEncoding(map[string]any{
		"DataVersion": int32(1),
		"Sections": map[string]any{
			"1": map[string]any{"legacy": "old"},
		},
	}, nbt.BigEndian)
	require.NoError(t, err)
	_, err = w.Store(pos, old).Wait(ctx)
	require.NoError(t, err)

	var calls int
	up := func(record map[string]any, from int32) (map[string]any, error) {
		calls++
		require.Equal(t, int32(1), from)
		sections := record["Sections"].(map[string]any)
		for y, raw := range sections {
			m := raw.(map[string]any)
			sections[y] = map[string]any{"names": map[string]any{"0": m["legacy"]}}
		}
		record["DataVersion"] = int32(2)
		return record, nil
	}
	s := newStore(t, w, 2, up)

	got, present, err := s.GetOrLoad(ctx, Key{pos, 1})
	require.NoError(t, err)
	require.True(t, present)
	require.Equal(t, []string{"old"}, got.names)
	require.Equal(t, 1, calls)
	require.True(t, s.HasWork(), "upgraded sections are rewritten")

	require.NoError(t, s.FlushAll(ctx))
	record := readRecord(t, w, pos)
	require.Equal(t, int32(2), record["DataVersion"])
	section := record["Sections"].(map[string]any)["1"].(map[string]any)
	require.Contains(t, section, "names")
}

func TestRemoveIsPersisted(t *testing.T) {
	ctx := context.Background()
	w := newWorker(t)
	s := newStore(t, w, 1, nil)
	key := Key{Pos: region.ChunkPos{X: 9, Z: -9}, Y: 2}

	v, err := s.GetOrCreate(ctx, key)
	require.NoError(t, err)
	v.add("gone soon")
	require.NoError(t, s.FlushAll(ctx))

	s.Remove(key)
	require.True(t, s.HasWork())
	require.NoError(t, s.FlushAll(ctx))

	fresh := newStore(t, w, 1, nil)
	_, present, err := fresh.GetOrLoad(ctx, key)
	require.NoError(t, err)
	require.False(t, present)
}

func TestCorruptSectionReadsAbsent(t *testing.T) {
	ctx := context.Background()
	w := newWorker(t)
	pos := region.ChunkPos{X: 5, Z: 5}
	data, err := nbt.MarshalEncoding(map[string]any{
		"DataVersion": int32(1),
		"Sections": map[string]any{
			"0": int32(7), // not a compound
			"1": map[string]any{"names": map[string]any{"0": "ok"}},
		},
	}, nbt.BigEndian)
	require.NoError(t, err)
	_, err = w.Store(pos, data).Wait(ctx)
	require.NoError(t, err)

	s := newStore(t, w, 1, nil)
	_, present, err := s.GetOrLoad(ctx, Key{pos, 0})
	require.NoError(t, err)
	require.False(t, present)
	v, present, err := s.GetOrLoad(ctx, Key{pos, 1})
	require.NoError(t, err)
	require.True(t, present)
	require.Equal(t, []string{"ok"}, v.names)
}

// flakyCodec fails its next failures encodes, then encodes like beaconCodec.
type flakyCodec struct {
	beaconCodec
	failures int
}

func (c *flakyCodec) Encode(b *beacons) (any, error) {
	if c.failures > 0 {
		c.failures--
		return nil, errors.New("encoder unavailable")
	}
	return c.beaconCodec.Encode(b)
}

func TestFailedEncodeStaysQueued(t *testing.T) {
	ctx := context.Background()
	w := newWorker(t)
	codec := &flakyCodec{failures: 2}
	s, err := New[*beacons](w, Config[*beacons]{
		Codec:      codec,
		Factory:    newBeacons,
		MinSection: 0,
		MaxSection: 1,
	})
	require.NoError(t, err)
	pos := region.ChunkPos{X: 1, Z: 0}

	v, err := s.GetOrCreate(ctx, Key{pos, 1})
	require.NoError(t, err)
	v.add("lighthouse")

	require.Error(t, s.Tick(ctx, func() bool { return true }))
	require.True(t, s.HasWork())
	require.Error(t, s.FlushAll(ctx))
	require.True(t, s.HasWork())

	s.SetDirty(Key{pos, 1})
	require.NoError(t, s.Tick(ctx, func() bool { return true }))
	require.False(t, s.HasWork())
	_, err = drain(w)
	require.NoError(t, err)
	require.Len(t, readRecord(t, w, pos)["Sections"], 1)
}
