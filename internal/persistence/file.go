// Package persistence writes archival records to timestamped JSON files laid
// out as <prefix>/<datatype>/yyyy/mm/dd/<datatype>-<subtest>-<ts>.<uuid>.json.
package persistence

import (
	"encoding/json"
	"os"
	"path"
	"time"
)

// DataFile describes one written archival file.
type DataFile struct {
	// Prefix is the root directory the file was written under.
	Prefix string
	// Datatype names the record type, e.g. "nodesession".
	Datatype string
	// Subtest further qualifies the record within its datatype.
	Subtest string
	// UUID is the record's unique identifier.
	UUID string
	// Path is the full path of the written file.
	Path string
	// Size is the number of bytes written.
	Size int
}

// WriteDataFile marshals result to JSON and writes it under prefix, creating
// the date-based directory hierarchy as needed.
func WriteDataFile(prefix, datatype, subtest, uuid string, result interface{}) (*DataFile, error) {
	timestamp := time.Now()
	dir := path.Join(prefix, datatype, timestamp.Format("2006/01/02"))
	err := os.MkdirAll(dir, 0o755)
	if err != nil {
		return nil, err
	}
	filepath := path.Join(dir, datatype+"-"+subtest+"-"+
		timestamp.Format("20060102T150405.000000000Z")+"."+uuid+".json")
	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	err = os.WriteFile(filepath, data, 0o644)
	if err != nil {
		return nil, err
	}
	return &DataFile{
		Prefix:   prefix,
		Datatype: datatype,
		Subtest:  subtest,
		UUID:     uuid,
		Path:     filepath,
		Size:     len(data),
	}, nil
}
