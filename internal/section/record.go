package section

import (
	"fmt"
	"strconv"

	"github.com/sandertv/gophertunnel/minecraft/nbt"
)

// Keys of the column record compound.
const (
	tagDataVersion = "DataVersion"
	tagSections    = "Sections"
)

// column is the decoded on-disk record of one chunk column.
type column struct {
	version  int32
	record   map[string]any
	sections map[string]any
}

func decodeColumn(data []byte) (column, error) {
	var record map[string]any
	if err := nbt.UnmarshalEncoding(data, &record, nbt.BigEndian); err != nil {
		return column{}, fmt.Errorf("decode column record: %w", err)
	}
	return columnOf(record), nil
}

func columnOf(record map[string]any) column {
	c := column{record: record}
	c.version, _ = record[tagDataVersion].(int32)
	c.sections, _ = record[tagSections].(map[string]any)
	return c
}

func encodeColumn(version int32, sections map[string]any) ([]byte, error) {
	data, err := nbt.MarshalEncoding(map[string]any{
		tagDataVersion: version,
		tagSections:    sections,
	}, nbt.BigEndian)
	if err != nil {
		return nil, fmt.Errorf("encode column record: %w", err)
	}
	return data, nil
}

func sectionTag(y int32) string { return strconv.Itoa(int(y)) }
