package ntfs

import (
	"fmt"
	"io"
	"sort"

	"github.com/deploymenttheory/go-rawscan/internal/logger"
	"github.com/deploymenttheory/go-rawscan/internal/rawfs/pkg/types"
)

const attrListEntryMinSize = 26

// AttrListEntry is one entry of an $ATTRIBUTE_LIST
type AttrListEntry struct {
	Type     AttrType
	Name     string
	StartVCN uint64
	Record   uint64
	Sequence uint16
	ID       uint16
}

// ParseAttributeList decodes the entries of an $ATTRIBUTE_LIST value
func ParseAttributeList(buf []byte) ([]AttrListEntry, error) {
	var entries []AttrListEntry
	off := 0
	for off+attrListEntryMinSize <= len(buf) {
		c := types.NewCursor(buf[off:])
		recLen := int(c.Uint16At(4))
		if recLen < attrListEntryMinSize || recLen%8 != 0 && off+recLen != len(buf) || off+recLen > len(buf) {
			return entries, types.NewScanError(types.ErrInvalidAttribute, "ParseAttributeList", "", fmt.Sprintf("entry length %d at offset %d", recLen, off))
		}
		ref := c.Uint64At(16)
		e := AttrListEntry{
			Type:     AttrType(c.Uint32At(0)),
			StartVCN: c.Uint64At(8),
			Record:   RefIndex(ref),
			Sequence: RefSequence(ref),
			ID:       c.Uint16At(24),
		}
		nameLen := int(c.Uint8At(6))
		nameOff := int(c.Uint8At(7))
		if nameLen > 0 {
			e.Name = decodeName(c.BytesAt(nameOff, nameLen*2))
		}
		if c.Err() != nil || nameOff+nameLen*2 > recLen {
			return entries, types.NewScanError(types.ErrInvalidAttribute, "ParseAttributeList", "", fmt.Sprintf("entry name out of bounds at offset %d", off))
		}
		entries = append(entries, e)
		off += recLen
	}
	return entries, nil
}

// ReadAttributes enumerates the attributes of a base record and, when it
// carries an $ATTRIBUTE_LIST, pulls in the attributes stored in extension
// records. Non-resident fragments of the same attribute are merged into a
// single logical attribute ordered by start VCN.
func (v *Volume) ReadAttributes(rec *Record) ([]*Attribute, error) {
	attrs, err := EnumerateAttributes(rec)
	if err != nil {
		logger.LogWarn("Attribute enumeration stopped early", map[string]interface{}{
			"record":     rec.Index,
			"attributes": len(attrs),
			"error":      err.Error(),
		})
	}

	list := FindAttribute(attrs, AttrAttributeList, "")
	if list == nil {
		return attrs, nil
	}

	value, err := v.readValue(list)
	if err != nil {
		return attrs, types.NewScanError(err, "ReadAttributes", fmt.Sprintf("record %d", rec.Index), "reading attribute list")
	}
	entries, err := ParseAttributeList(value)
	if err != nil {
		logger.LogWarn("Attribute list truncated", map[string]interface{}{
			"record": rec.Index,
			"error":  err.Error(),
		})
	}

	wanted := make(map[uint64]map[attrKey]bool)
	var order []uint64
	for _, e := range entries {
		if e.Record == rec.Index {
			continue
		}
		if wanted[e.Record] == nil {
			wanted[e.Record] = make(map[attrKey]bool)
			order = append(order, e.Record)
		}
		wanted[e.Record][attrKey{e.Type, e.ID}] = true
	}

	visited := map[uint64]bool{rec.Index: true}
	for _, idx := range order {
		if visited[idx] {
			continue
		}
		visited[idx] = true

		ext, err := v.LoadRecord(idx)
		if err != nil {
			return attrs, types.NewScanError(err, "ReadAttributes", fmt.Sprintf("record %d", rec.Index), fmt.Sprintf("extension record %d", idx))
		}
		if ext.BaseIndex() != rec.Index {
			logger.LogWarn("Extension record belongs to another base record", map[string]interface{}{
				"record":    rec.Index,
				"extension": idx,
				"base":      ext.BaseIndex(),
			})
			continue
		}
		extAttrs, err := EnumerateAttributes(ext)
		if err != nil {
			logger.LogWarn("Attribute enumeration stopped early", map[string]interface{}{
				"record": idx,
				"error":  err.Error(),
			})
		}
		for _, a := range extAttrs {
			if wanted[idx][attrKey{a.Type, a.ID}] {
				attrs = append(attrs, a)
			}
		}
	}

	merged, err := mergeFragments(attrs)
	if err != nil {
		return merged, types.NewScanError(err, "ReadAttributes", fmt.Sprintf("record %d", rec.Index), "")
	}
	return merged, nil
}

type attrKey struct {
	typ AttrType
	id  uint16
}

type streamKey struct {
	typ  AttrType
	name string
}

// mergeFragments folds non-resident attributes sharing (type, name) into the
// fragment that starts at VCN 0. The result keeps the original order.
func mergeFragments(attrs []*Attribute) ([]*Attribute, error) {
	groups := make(map[streamKey][]*Attribute)
	for _, a := range attrs {
		if a.NonResident != nil {
			k := streamKey{a.Type, a.Name}
			groups[k] = append(groups[k], a)
		}
	}

	var out []*Attribute
	done := make(map[streamKey]bool)
	for _, a := range attrs {
		if a.NonResident == nil {
			out = append(out, a)
			continue
		}
		k := streamKey{a.Type, a.Name}
		if done[k] {
			continue
		}
		done[k] = true

		group := groups[k]
		if len(group) == 1 {
			out = append(out, a)
			continue
		}

		sort.SliceStable(group, func(i, j int) bool {
			return group[i].NonResident.Fragments[0].StartVCN < group[j].NonResident.Fragments[0].StartVCN
		})
		head := group[0]
		if head.NonResident.Fragments[0].StartVCN != 0 {
			return out, fmt.Errorf("%w: %s %q has no fragment at VCN 0", types.ErrRunListCoverage, k.typ, k.name)
		}

		combined := *head
		nr := *head.NonResident
		nr.Fragments = nil
		for _, g := range group {
			nr.Fragments = append(nr.Fragments, g.NonResident.Fragments...)
		}
		combined.NonResident = &nr
		out = append(out, &combined)
	}
	return out, nil
}

// readValue returns the full value of a (typically small) attribute
func (v *Volume) readValue(attr *Attribute) ([]byte, error) {
	if attr.Resident != nil {
		return attr.Resident.Value, nil
	}
	s, err := v.OpenStream(attr)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, s.Size())
	n, err := s.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}
