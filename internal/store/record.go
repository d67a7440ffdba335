package store

import (
	"encoding/json"
	"time"

	"github.com/haggle-project/haggled/internal/attribute"
	"github.com/haggle-project/haggled/internal/dataobject"
	"github.com/haggle-project/haggled/internal/metadata"
)

// record is DataObject's on-disk shape: DataObject keeps its id cache and
// other fields unexported, so the bolt-backed store marshals through this
// plain, fully-exported mirror instead of relying on json's reflection
// over unexported fields (which it would silently skip).
type record struct {
	Attrs       []attrRecord
	Payload     *payloadRecord
	MetadataXML []byte

	CreateTime time.Time
	Persistent bool

	SignatureState int
	Signature      []byte
	Certificate    []byte

	DataState int

	ReceiveTime         time.Time
	LocalInterfaceID    string
	RemoteInterfaceID   string
	IsNodeDescription   bool
	IsThisNodeDescr     bool
	ForLocalApplication bool
	Duplicate           bool
}

type attrRecord struct {
	Name   string
	Value  string
	Weight uint32
}

type payloadRecord struct {
	FilePath   string
	FileName   string
	Length     int64
	DynamicLen bool
	FileHash   []byte
}

func toRecord(obj *dataobject.DataObject) (*record, error) {
	r := &record{
		CreateTime:          obj.CreateTime,
		Persistent:          obj.Persistent,
		SignatureState:      int(obj.SignatureState),
		Signature:           obj.Signature,
		Certificate:         obj.Certificate,
		DataState:           int(obj.DataState),
		ReceiveTime:         obj.ReceiveTime,
		LocalInterfaceID:    obj.LocalInterfaceID,
		RemoteInterfaceID:   obj.RemoteInterfaceID,
		IsNodeDescription:   obj.IsNodeDescription,
		IsThisNodeDescr:     obj.IsThisNodeDescr,
		ForLocalApplication: obj.ForLocalApplication,
		Duplicate:           obj.Duplicate,
	}
	for _, a := range obj.Attrs.All() {
		r.Attrs = append(r.Attrs, attrRecord{Name: a.Name, Value: a.Value, Weight: a.Weight})
	}
	if obj.Payload != nil {
		r.Payload = &payloadRecord{
			FilePath:   obj.Payload.FilePath,
			FileName:   obj.Payload.FileName,
			Length:     obj.Payload.Length,
			DynamicLen: obj.Payload.DynamicLen,
			FileHash:   obj.Payload.FileHash,
		}
	}
	if obj.Metadata != nil {
		xmlBytes, err := metadata.EncodeXML(obj.Metadata)
		if err != nil {
			return nil, err
		}
		r.MetadataXML = xmlBytes
	}
	return r, nil
}

func fromRecord(r *record) (*dataobject.DataObject, error) {
	obj := dataobject.New()

	attrs := make([]attribute.Attribute, 0, len(r.Attrs))
	for _, a := range r.Attrs {
		attrs = append(attrs, attribute.NewWeighted(a.Name, a.Value, a.Weight))
	}
	obj.SetAttributes(attribute.NewSet(attrs...))

	obj.CreateTime = r.CreateTime
	obj.Persistent = r.Persistent
	obj.SignatureState = dataobject.SignatureState(r.SignatureState)
	obj.Signature = r.Signature
	obj.Certificate = r.Certificate
	obj.DataState = dataobject.DataState(r.DataState)
	obj.ReceiveTime = r.ReceiveTime
	obj.LocalInterfaceID = r.LocalInterfaceID
	obj.RemoteInterfaceID = r.RemoteInterfaceID
	obj.IsNodeDescription = r.IsNodeDescription
	obj.IsThisNodeDescr = r.IsThisNodeDescr
	obj.ForLocalApplication = r.ForLocalApplication
	obj.Duplicate = r.Duplicate

	if r.Payload != nil {
		obj.Payload = &dataobject.Payload{
			FilePath:   r.Payload.FilePath,
			FileName:   r.Payload.FileName,
			Length:     r.Payload.Length,
			DynamicLen: r.Payload.DynamicLen,
			FileHash:   r.Payload.FileHash,
		}
	}
	if len(r.MetadataXML) > 0 {
		m, err := metadata.DecodeXML(r.MetadataXML)
		if err != nil {
			return nil, err
		}
		obj.Metadata = m
	}
	return obj, nil
}

func marshalRecord(obj *dataobject.DataObject) ([]byte, error) {
	r, err := toRecord(obj)
	if err != nil {
		return nil, err
	}
	return json.Marshal(r)
}

func unmarshalRecord(data []byte) (*dataobject.DataObject, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return fromRecord(&r)
}
