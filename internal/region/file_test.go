package region

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func randomPayload(t *testing.T, n int, seed int64) []byte {
	t.Helper()
	buf := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(buf)
	return buf
}

func openTestFile(t *testing.T, dir string, opts FileOptions) *File {
	t.Helper()
	rf, err := OpenFile(dir, RegionPos{0, 0}, opts)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	t.Cleanup(func() { rf.Close() })
	return rf
}

func TestFileRoundTrip(t *testing.T) {
	rf := openTestFile(t, t.TempDir(), FileOptions{})
	pos := ChunkPos{3, 7}

	if got, err := rf.Read(pos); err != nil || got != nil {
		t.Fatalf("Read of empty slot = %v, %v", got, err)
	}
	payload := []byte("hello region")
	if err := rf.Write(pos, payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := rf.Read(pos)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Read = %q, want %q", got, payload)
	}
	ok, err := rf.Exists(pos)
	if err != nil || !ok {
		t.Errorf("Exists = %v, %v", ok, err)
	}

	if err := rf.Delete(pos); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got, _ := rf.Read(pos); got != nil {
		t.Errorf("Read after delete = %q", got)
	}
	if ok, _ := rf.Exists(pos); ok {
		t.Error("Exists after delete = true")
	}
}

func TestFileRejectsForeignChunk(t *testing.T) {
	rf := openTestFile(t, t.TempDir(), FileOptions{})
	if err := rf.Write(ChunkPos{32, 0}, []byte("x")); err == nil {
		t.Fatal("expected error writing a chunk of another region")
	}
}

func TestFileFormats(t *testing.T) {
	payload := bytes.Repeat([]byte("stone dirt grass "), 500)
	tests := []Compression{
		{Format: FormatGzip},
		{Format: FormatDeflate},
		{Format: FormatUncompressed},
		{Format: FormatLZ4},
		{Format: FormatCustom, Name: "zstd"},
		{Format: FormatCustom, Name: "snappy"},
	}
	for _, c := range tests {
		t.Run(c.String(), func(t *testing.T) {
			dir := t.TempDir()
			rf := openTestFile(t, dir, FileOptions{Compression: c})
			pos := ChunkPos{1, 1}
			if err := rf.Write(pos, payload); err != nil {
				t.Fatalf("Write: %v", err)
			}
			got, err := rf.Read(pos)
			if err != nil || !bytes.Equal(got, payload) {
				t.Fatalf("Read mismatch: err=%v len=%d", err, len(got))
			}
			slots, err := rf.Slots()
			if err != nil || len(slots) != 1 {
				t.Fatalf("Slots = %v, %v", slots, err)
			}
			if slots[0].Format != c.Format {
				t.Errorf("stored format = %v, want %v", slots[0].Format, c.Format)
			}

			// A reader configured with a different default still decodes it.
			rf.Close()
			other, err := OpenFile(dir, RegionPos{0, 0}, FileOptions{Compression: Compression{Format: FormatGzip}})
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer other.Close()
			if got, _ := other.Read(pos); !bytes.Equal(got, payload) {
				t.Error("payload unreadable after reopen with different compression")
			}
		})
	}
}

func TestFileUnregisteredCustomCodec(t *testing.T) {
	_, err := OpenFile(t.TempDir(), RegionPos{0, 0}, FileOptions{
		Compression: Compression{Format: FormatCustom, Name: "brotli"},
	})
	if !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("err = %v, want ErrUnknownFormat", err)
	}
}

func TestFileHeaderLayout(t *testing.T) {
	dir := t.TempDir()
	when := time.Unix(1700000000, 0)
	rf := openTestFile(t, dir, FileOptions{
		Compression: Compression{Format: FormatUncompressed},
		Clock:       func() time.Time { return when },
	})
	pos := ChunkPos{2, 1} // index 34
	payload := []byte("abc")
	if err := rf.Write(pos, payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := rf.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "r.0.0.mca"))
	if err != nil {
		t.Fatal(err)
	}
	if len(raw)%SectorBytes != 0 {
		t.Errorf("file size %d not a multiple of %d", len(raw), SectorBytes)
	}
	off := binary.BigEndian.Uint32(raw[34*4:])
	if off != 2<<8|1 {
		t.Errorf("offset entry = %#x, want sector 2 count 1", off)
	}
	ts := binary.BigEndian.Uint32(raw[SectorBytes+34*4:])
	if int64(ts) != when.Unix() {
		t.Errorf("timestamp = %d, want %d", ts, when.Unix())
	}
	body := raw[2*SectorBytes:]
	if n := binary.BigEndian.Uint32(body); n != uint32(len(payload)+1) {
		t.Errorf("length field = %d, want %d", n, len(payload)+1)
	}
	if body[4] != byte(FormatUncompressed) {
		t.Errorf("tag = %d", body[4])
	}
	if !bytes.Equal(body[5:5+len(payload)], payload) {
		t.Errorf("body = %q", body[5:5+len(payload)])
	}
}

func TestFileSectorsDoNotOverlap(t *testing.T) {
	rf := openTestFile(t, t.TempDir(), FileOptions{Compression: Compression{Format: FormatUncompressed}})
	rng := rand.New(rand.NewSource(7))

	want := map[ChunkPos][]byte{}
	for i := 0; i < 400; i++ {
		pos := ChunkPos{int32(rng.Intn(RegionSize)), int32(rng.Intn(RegionSize))}
		if rng.Intn(5) == 0 {
			if err := rf.Delete(pos); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			delete(want, pos)
			continue
		}
		data := randomPayload(t, 1+rng.Intn(5*SectorBytes), int64(i))
		if err := rf.Write(pos, data); err != nil {
			t.Fatalf("Write: %v", err)
		}
		want[pos] = data
	}

	slots, err := rf.Slots()
	if err != nil {
		t.Fatal(err)
	}
	used := map[int]ChunkPos{}
	for _, s := range slots {
		if s.Sector < 2 {
			t.Fatalf("chunk %v overlaps header", s.Pos)
		}
		for sec := s.Sector; sec < s.Sector+s.Sectors; sec++ {
			if other, dup := used[sec]; dup {
				t.Fatalf("sector %d shared by %v and %v", sec, other, s.Pos)
			}
			used[sec] = s.Pos
		}
	}
	for pos, data := range want {
		got, err := rf.Read(pos)
		if err != nil || !bytes.Equal(got, data) {
			t.Fatalf("chunk %v mismatch after churn", pos)
		}
	}
	if len(slots) != len(want) {
		t.Errorf("slots = %d, want %d", len(slots), len(want))
	}
}

func TestFileReopenPersists(t *testing.T) {
	dir := t.TempDir()
	rf, err := OpenFile(dir, RegionPos{-1, 2}, FileOptions{})
	if err != nil {
		t.Fatal(err)
	}
	chunks := map[ChunkPos][]byte{
		{-1, 64}:  []byte("first"),
		{-32, 95}: bytes.Repeat([]byte{9}, 3*SectorBytes),
	}
	for pos, data := range chunks {
		if err := rf.Write(pos, data); err != nil {
			t.Fatalf("Write %v: %v", pos, err)
		}
	}
	if err := rf.Close(); err != nil {
		t.Fatal(err)
	}

	rf, err = OpenFile(dir, RegionPos{-1, 2}, FileOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer rf.Close()
	for pos, data := range chunks {
		got, err := rf.Read(pos)
		if err != nil || !bytes.Equal(got, data) {
			t.Errorf("chunk %v lost across reopen", pos)
		}
	}
	// Reserved sectors survive the reopen: a new write must not clobber them.
	if err := rf.Write(ChunkPos{-2, 64}, []byte("new")); err != nil {
		t.Fatal(err)
	}
	for pos, data := range chunks {
		if got, _ := rf.Read(pos); !bytes.Equal(got, data) {
			t.Errorf("chunk %v clobbered by later write", pos)
		}
	}
}

func TestFileExternalOverflow(t *testing.T) {
	dir := t.TempDir()
	rf := openTestFile(t, dir, FileOptions{Compression: Compression{Format: FormatUncompressed}})
	pos := ChunkPos{5, 5}
	big := randomPayload(t, 1100*1024, 1)

	if err := rf.Write(pos, big); err != nil {
		t.Fatalf("Write: %v", err)
	}
	ext := filepath.Join(dir, "c.5.5.mcc")
	if _, err := os.Stat(ext); err != nil {
		t.Fatalf("external file missing: %v", err)
	}
	slots, _ := rf.Slots()
	if len(slots) != 1 || !slots[0].External || slots[0].Sectors != 1 || slots[0].Length != 1 {
		t.Fatalf("slot = %+v, want one-sector external stub", slots)
	}
	got, err := rf.Read(pos)
	if err != nil || !bytes.Equal(got, big) {
		t.Fatalf("external read mismatch: err=%v len=%d", err, len(got))
	}

	// Shrinking back inline removes the overflow file.
	if err := rf.Write(pos, []byte("small")); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(ext); !os.IsNotExist(err) {
		t.Errorf("external file still present: %v", err)
	}
	if got, _ := rf.Read(pos); string(got) != "small" {
		t.Errorf("Read = %q", got)
	}
}

func TestFileDeleteRemovesExternal(t *testing.T) {
	dir := t.TempDir()
	rf := openTestFile(t, dir, FileOptions{Compression: Compression{Format: FormatUncompressed}})
	pos := ChunkPos{0, 0}
	if err := rf.Write(pos, randomPayload(t, 1100*1024, 2)); err != nil {
		t.Fatal(err)
	}
	if err := rf.Delete(pos); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "c.0.0.mcc")); !os.IsNotExist(err) {
		t.Errorf("external file survives delete: %v", err)
	}
}

func TestFilePayloadTooLarge(t *testing.T) {
	rf := openTestFile(t, t.TempDir(), FileOptions{
		Compression:    Compression{Format: FormatUncompressed},
		MaxPayloadSize: 1024,
	})
	pos := ChunkPos{1, 2}
	if err := rf.Write(pos, []byte("fits")); err != nil {
		t.Fatal(err)
	}
	err := rf.Write(pos, make([]byte, 2048))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("err = %v, want ErrPayloadTooLarge", err)
	}
	if got, _ := rf.Read(pos); got != nil {
		t.Errorf("oversized write left old data %q", got)
	}
}

// writeRawRegion builds a region file from a header and a body placed at sector 2.
func writeRawRegion(t *testing.T, dir string, index int, offset uint32, body []byte, totalSectors int) {
	t.Helper()
	raw := make([]byte, totalSectors*SectorBytes)
	binary.BigEndian.PutUint32(raw[index*4:], offset)
	copy(raw[2*SectorBytes:], body)
	if err := os.WriteFile(filepath.Join(dir, "r.0.0.mca"), raw, 0644); err != nil {
		t.Fatal(err)
	}
}

func chunkBody(length uint32, tag byte, data []byte) []byte {
	b := make([]byte, 5+len(data))
	binary.BigEndian.PutUint32(b, length)
	b[4] = tag
	copy(b[5:], data)
	return b
}

func TestFileOversizedCountEscape(t *testing.T) {
	dir := t.TempDir()
	data := randomPayload(t, 300*SectorBytes-5, 3)
	body := chunkBody(uint32(len(data)+1), byte(FormatUncompressed), data)
	writeRawRegion(t, dir, 0, 2<<8|255, body, 302)

	rf := openTestFile(t, dir, FileOptions{})
	got, err := rf.Read(ChunkPos{0, 0})
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("escape read mismatch: err=%v len=%d", err, len(got))
	}
	slots, _ := rf.Slots()
	if slots[0].Sectors != 300 {
		t.Errorf("resolved sectors = %d, want 300", slots[0].Sectors)
	}
	// The full 300-sector run is reserved.
	if err := rf.Write(ChunkPos{1, 0}, []byte("x")); err != nil {
		t.Fatal(err)
	}
	slots, _ = rf.Slots()
	if slots[1].Sector != 302 {
		t.Errorf("next chunk placed at sector %d, want 302", slots[1].Sector)
	}
}

func TestFileCorruptSlotsReadAbsent(t *testing.T) {
	tests := []struct {
		name   string
		offset uint32
		body   []byte
		total  int
		// Exists inspects headers only and cannot see a bad stream.
		exists bool
	}{
		{"zero length", 2<<8 | 1, chunkBody(0, byte(FormatDeflate), nil), 3, false},
		{"unknown tag", 2<<8 | 1, chunkBody(4, 42, []byte("abc")), 3, false},
		{"length past slot", 2<<8 | 1, chunkBody(9000, byte(FormatUncompressed), []byte("abc")), 3, false},
		{"bad compressed stream", 2<<8 | 1, chunkBody(4, byte(FormatGzip), []byte("abc")), 3, true},
		{"external file missing", 2<<8 | 1, chunkBody(1, byte(FormatDeflate)|externalFlag, nil), 3, false},
		{"out of bounds", 2<<8 | 4, chunkBody(4, byte(FormatUncompressed), []byte("abc")), 3, false},
		{"overlaps header", 1<<8 | 1, nil, 3, false},
		{"zero sectors", 2 << 8, chunkBody(4, byte(FormatUncompressed), []byte("abc")), 3, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeRawRegion(t, dir, 0, tt.offset, tt.body, tt.total)
			rf := openTestFile(t, dir, FileOptions{})
			got, err := rf.Read(ChunkPos{0, 0})
			if err != nil || got != nil {
				t.Errorf("Read = %q, %v; want absent", got, err)
			}
			if ok, _ := rf.Exists(ChunkPos{0, 0}); ok != tt.exists {
				t.Errorf("Exists = %v for corrupt slot", ok)
			}
			// The slot stays writable.
			if err := rf.Write(ChunkPos{0, 0}, []byte("repaired")); err != nil {
				t.Fatal(err)
			}
			if got, _ := rf.Read(ChunkPos{0, 0}); string(got) != "repaired" {
				t.Errorf("Read after repair = %q", got)
			}
		})
	}
}

func TestFileOverlappingSlotsDropped(t *testing.T) {
	dir := t.TempDir()
	data := []byte("AAAA")
	writeRawRegion(t, dir, 0, 2<<8|1, chunkBody(uint32(len(data)+1), byte(FormatUncompressed), data), 3)
	// Slot 1 claims the same sector as slot 0.
	path := filepath.Join(dir, "r.0.0.mca")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	binary.BigEndian.PutUint32(raw[4:], 2<<8|1)
	if err := os.WriteFile(path, raw, 0644); err != nil {
		t.Fatal(err)
	}

	rf := openTestFile(t, dir, FileOptions{})
	first, second, third := ChunkPos{0, 0}, ChunkPos{1, 0}, ChunkPos{2, 0}
	if got, _ := rf.Read(first); !bytes.Equal(got, data) {
		t.Fatalf("first slot = %q, want %q", got, data)
	}
	if got, _ := rf.Read(second); got != nil {
		t.Errorf("overlapping slot = %q, want absent", got)
	}

	// Rewriting the survivor must not hand its old run to a live chunk.
	if err := rf.Write(first, []byte("BBBB")); err != nil {
		t.Fatal(err)
	}
	if err := rf.Write(third, []byte("CCCCC")); err != nil {
		t.Fatal(err)
	}
	if got, _ := rf.Read(first); string(got) != "BBBB" {
		t.Errorf("first = %q", got)
	}
	if got, _ := rf.Read(third); string(got) != "CCCCC" {
		t.Errorf("third = %q", got)
	}
	if got, _ := rf.Read(second); got != nil {
		t.Errorf("dropped slot resurfaced as %q", got)
	}

	slots, err := rf.Slots()
	if err != nil {
		t.Fatal(err)
	}
	if len(slots) != 2 {
		t.Fatalf("live slots = %d, want 2", len(slots))
	}
	a, b := slots[0], slots[1]
	if a.Sector < b.Sector+b.Sectors && b.Sector < a.Sector+a.Sectors {
		t.Errorf("slots %v and %v share sectors", a.Pos, b.Pos)
	}
}

func TestFileCustomCodecNameCase(t *testing.T) {
	dir := t.TempDir()
	rf := openTestFile(t, dir, FileOptions{Compression: Compression{Format: FormatCustom, Name: "ZSTD"}})
	payload := bytes.Repeat([]byte("gravel "), 200)
	if err := rf.Write(ChunkPos{0, 0}, payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got, _ := rf.Read(ChunkPos{0, 0}); !bytes.Equal(got, payload) {
		t.Error("payload written under an upper-case codec name is unreadable")
	}
}

func TestFileTruncatedHeader(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "r.0.0.mca"), []byte{0, 0, 2, 1, 0xff}, 0644); err != nil {
		t.Fatal(err)
	}
	rf := openTestFile(t, dir, FileOptions{})
	if got, err := rf.Read(ChunkPos{0, 0}); err != nil || got != nil {
		t.Errorf("Read = %q, %v", got, err)
	}
	if err := rf.Write(ChunkPos{0, 0}, []byte("ok")); err != nil {
		t.Fatal(err)
	}
	if got, _ := rf.Read(ChunkPos{0, 0}); string(got) != "ok" {
		t.Errorf("Read = %q", got)
	}
}

func TestFileClosePadsToSector(t *testing.T) {
	dir := t.TempDir()
	raw := make([]byte, HeaderBytes+100)
	if err := os.WriteFile(filepath.Join(dir, "r.0.0.mca"), raw, 0644); err != nil {
		t.Fatal(err)
	}
	rf, err := OpenFile(dir, RegionPos{0, 0}, FileOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := rf.Close(); err != nil {
		t.Fatal(err)
	}
	fi, err := os.Stat(filepath.Join(dir, "r.0.0.mca"))
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() != 3*SectorBytes {
		t.Errorf("size = %d, want %d", fi.Size(), 3*SectorBytes)
	}
	if err := rf.Write(ChunkPos{0, 0}, []byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("Write after Close = %v, want ErrClosed", err)
	}
}
