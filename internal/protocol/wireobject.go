package protocol

import (
	"fmt"
	"strconv"

	"github.com/haggle-project/haggled/internal/attribute"
	"github.com/haggle-project/haggled/internal/dataobject"
	"github.com/haggle-project/haggled/internal/metadata"
)

// Wire metadata node/parameter names, matching the original Haggle wire
// format closely enough for a receiver to reconstruct an equivalent
// DataObject (spec §3 "Data Object" / §6 "Wire protocol").
const (
	nodeDataObject = "DataObject"
	nodeAttr       = "Attr"
	nodeBody       = "Metadata"
	nodePayload    = "Payload"

	paramName    = "name"
	paramWeight  = "weight"
	paramPersist = "persistent"

	paramFileName = "filename"
	paramLength   = "length"
	paramDynamic  = "dynamic"
)

// EncodeDataObject renders obj as the metadata tree streamed over the
// wire (spec §6): a DataObject root carrying Attr children for every
// attribute, an embedded Metadata subtree for whatever the application
// attached, and a Payload descriptor if the object carries one.
func EncodeDataObject(obj *dataobject.DataObject) *metadata.Metadata {
	root := metadata.New(nodeDataObject, "")
	root.SetParameter(paramPersist, strconv.FormatBool(obj.Persistent))

	for _, a := range obj.Attrs.All() {
		attr := root.AddMetadata(nodeAttr, a.Value)
		attr.SetParameter(paramName, a.Name)
		attr.SetParameter(paramWeight, strconv.FormatUint(uint64(a.Weight), 10))
	}

	if obj.Metadata != nil {
		body := metadata.New(nodeBody, "")
		*body = *obj.Metadata
		body.Name = nodeBody
		root.AddChild(body)
	}

	if obj.Payload != nil {
		p := root.AddMetadata(nodePayload, "")
		p.SetParameter(paramFileName, obj.Payload.FileName)
		p.SetParameter(paramLength, strconv.FormatInt(obj.Payload.Length, 10))
		p.SetParameter(paramDynamic, strconv.FormatBool(obj.Payload.DynamicLen))
	}

	return root
}

// DecodeDataObject reconstructs a DataObject from a metadata tree
// produced by EncodeDataObject.
func DecodeDataObject(root *metadata.Metadata) (*dataobject.DataObject, error) {
	if root == nil || root.Name != nodeDataObject {
		return nil, fmt.Errorf("protocol: expected %q root, got %v", nodeDataObject, root)
	}

	obj := dataobject.New()
	if persistent, err := strconv.ParseBool(root.GetParameter(paramPersist)); err == nil {
		obj.Persistent = persistent
	}

	for _, attrNode := range root.ChildrenNamed(nodeAttr) {
		name := attrNode.GetParameter(paramName)
		weight := uint32(attribute.DefaultWeight)
		if w, err := strconv.ParseUint(attrNode.GetParameter(paramWeight), 10, 32); err == nil {
			weight = uint32(w)
		}
		obj.AddAttribute(attribute.NewWeighted(name, attrNode.Content, weight))
	}

	for _, bodyNode := range root.ChildrenNamed(nodeBody) {
		obj.Metadata = bodyNode
		break
	}

	for _, p := range root.ChildrenNamed(nodePayload) {
		length, _ := strconv.ParseInt(p.GetParameter(paramLength), 10, 64)
		dynamic, _ := strconv.ParseBool(p.GetParameter(paramDynamic))
		obj.Payload = &dataobject.Payload{
			FileName:   p.GetParameter(paramFileName),
			Length:     length,
			DynamicLen: dynamic,
		}
	}

	return obj, nil
}
