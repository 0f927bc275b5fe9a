package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidUpload = errors.New("invalid upload frame")

// UploadFile describes one file inside an upload frame.
type UploadFile struct {
	Name string `json:"name"`
	Size int    `json:"size"`
}

// UploadHeader precedes the concatenated file bytes of a binary frame.
type UploadHeader struct {
	Module      string       `json:"module"`
	Task        string       `json:"task"`
	PartitionID int64        `json:"partition_id"`
	Files       []UploadFile `json:"files"`
}

// Upload is a parsed binary frame: a 4-byte big-endian header length, the
// JSON header, then the files back to back.
type Upload struct {
	Header UploadHeader
	Data   []byte
}

func ParseUpload(raw []byte) (Upload, error) {
	if len(raw) < 4 {
		return Upload{}, fmt.Errorf("%w: short frame", ErrInvalidUpload)
	}
	n := binary.BigEndian.Uint32(raw[:4])
	if uint64(n) > uint64(len(raw)-4) {
		return Upload{}, fmt.Errorf("%w: header length %d exceeds frame", ErrInvalidUpload, n)
	}
	var h UploadHeader
	if err := json.Unmarshal(raw[4:4+n], &h); err != nil {
		return Upload{}, fmt.Errorf("%w: %v", ErrInvalidUpload, err)
	}
	if strings.TrimSpace(h.Task) == "" {
		return Upload{}, fmt.Errorf("%w: %v", ErrInvalidUpload, ErrMissingTask)
	}
	data := raw[4+n:]
	total := 0
	for _, f := range h.Files {
		if f.Size < 0 || strings.TrimSpace(f.Name) == "" {
			return Upload{}, fmt.Errorf("%w: bad file entry %q", ErrInvalidUpload, f.Name)
		}
		if f.Size > len(data)-total {
			return Upload{}, fmt.Errorf("%w: file %q overruns frame", ErrInvalidUpload, f.Name)
		}
		total += f.Size
	}
	if total != len(data) {
		return Upload{}, fmt.Errorf("%w: sizes sum to %d, have %d bytes", ErrInvalidUpload, total, len(data))
	}
	return Upload{Header: h, Data: data}, nil
}

// Parts splits Data according to the header sizes.
func (u Upload) Parts() [][]byte {
	out := make([][]byte, 0, len(u.Header.Files))
	offset := 0
	for _, f := range u.Header.Files {
		out = append(out, u.Data[offset:offset+f.Size])
		offset += f.Size
	}
	return out
}

// EncodeUpload builds a binary frame. Sizes in h.Files are overwritten from files.
func EncodeUpload(h UploadHeader, files [][]byte) ([]byte, error) {
	if len(h.Files) != len(files) {
		return nil, fmt.Errorf("%w: %d names for %d files", ErrInvalidUpload, len(h.Files), len(files))
	}
	for i := range files {
		h.Files[i].Size = len(files[i])
	}
	header, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 4, 4+len(header))
	binary.BigEndian.PutUint32(out, uint32(len(header)))
	out = append(out, header...)
	for _, f := range files {
		out = append(out, f...)
	}
	return out, nil
}
