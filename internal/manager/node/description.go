// Package node implements Haggle's Node Manager (spec §4.4): it owns
// thisNode's identity and the node-description exchange protocol that
// lets peers learn each other's attributes, interfaces and Bloom filter.
package node

import (
	"strconv"

	"github.com/haggle-project/haggled/internal/attribute"
	"github.com/haggle-project/haggled/internal/bloom"
	"github.com/haggle-project/haggled/internal/dataobject"
	"github.com/haggle-project/haggled/internal/metadata"
	hnode "github.com/haggle-project/haggled/internal/node"
)

// NodeDescriptionAttrName is the attribute a data store filter matches on
// to recognise an incoming node description (spec §4.4 "a filter matches
// incoming objects with attribute NodeDescription=*").
const NodeDescriptionAttrName = "NodeDescription"

const (
	metaNodeDescription = "NodeDescription"
	metaName            = "Name"
	metaInterface       = "Interface"
	metaAttr            = "Attr"
	metaBloomfilter     = "Bloomfilter"

	paramType    = "type"
	paramID      = "id"
	paramAddress = "address"
	paramUp      = "up"
	paramName    = "name"
)

// BuildDescription renders n as the non-persistent data object exchanged
// between peers (spec §4.4 "Node description"). includeFilter controls
// whether the (potentially large) Bloom filter is base64-embedded; the
// node manager omits it on pushes where the peer is known to already
// have an up-to-date copy.
func BuildDescription(n *hnode.Node, includeFilter bool) *dataobject.DataObject {
	obj := dataobject.New()
	obj.Persistent = false
	obj.IsNodeDescription = true
	obj.AddAttribute(attribute.New(NodeDescriptionAttrName, attribute.Wildcard))
	obj.CreateTime = n.CreateTime

	root := metadata.New(metaNodeDescription, "")
	root.SetParameter(paramID, n.ID().String())
	root.AddMetadata(metaName, n.Name)

	for _, iface := range n.Interfaces() {
		ifaceNode := root.AddMetadata(metaInterface, "")
		ifaceNode.SetParameter(paramType, iface.Type.String())
		ifaceNode.SetParameter(paramID, iface.Identifier.String())
		ifaceNode.SetParameter(paramUp, strconv.FormatBool(iface.IsUp()))
		for _, addr := range iface.Addresses {
			ifaceNode.AddMetadata(paramAddress, addr)
		}
	}

	for _, a := range n.Attrs.All() {
		attrNode := root.AddMetadata(metaAttr, a.Value)
		attrNode.SetParameter(paramName, a.Name)
	}

	if includeFilter && n.Filter != nil {
		root.AddMetadata(metaBloomfilter, n.Filter.ToBase64())
	}

	obj.Metadata = root
	return obj
}

// Description is the parsed form of a received node-description data
// object: enough to merge into the local node store without depending on
// the sender's own hnode.Node value (which we never see directly).
//
// A node description's own data object has only one attribute
// (NodeDescription=*, the same on every node), so its content-addressed
// ID carries no information about which node it describes. The described
// node's identity is instead recovered the same way hnode.New derives
// it: as a content hash over its Name. ID() does exactly that, so it
// always agrees with the real node's own ID() without needing the
// "id" metadata parameter to be trusted blindly.
type Description struct {
	Name       string
	Attrs      *attribute.Set
	Interfaces []DescriptionInterface
	Filter     *bloom.Filter
}

// ID returns the described node's identity, derived from Name the same
// way hnode.New computes a node's own ID (a content hash over the single
// "Node.Name" attribute).
func (d *Description) ID() dataobject.ID {
	do := dataobject.New()
	do.AddAttribute(attribute.New("Node.Name", d.Name))
	return do.ID()
}

// DescriptionInterface is one interface entry parsed out of a node
// description's metadata tree.
type DescriptionInterface struct {
	Type      hnode.InterfaceType
	ID        hnode.Identifier
	Up        bool
	Addresses []string
}

// ParseDescription extracts a Description from a data object built by
// BuildDescription (ours or a peer's).
func ParseDescription(obj *dataobject.DataObject) (*Description, error) {
	root := obj.Metadata
	if root == nil {
		root = metadata.New(metaNodeDescription, "")
	}

	d := &Description{Attrs: attribute.NewSet()}

	if nameNode := root.GetMetadata(metaName); nameNode != nil {
		d.Name = nameNode.Content
	}

	for _, ifaceNode := range root.ChildrenNamed(metaInterface) {
		typ := parseInterfaceType(ifaceNode.GetParameter(paramType))
		id := parseIdentifier(ifaceNode.GetParameter(paramID))
		up, _ := strconv.ParseBool(ifaceNode.GetParameter(paramUp))
		var addrs []string
		for _, a := range ifaceNode.ChildrenNamed(paramAddress) {
			addrs = append(addrs, a.Content)
		}
		d.Interfaces = append(d.Interfaces, DescriptionInterface{Type: typ, ID: id, Up: up, Addresses: addrs})
	}

	for _, attrNode := range root.ChildrenNamed(metaAttr) {
		d.Attrs.Add(attribute.New(attrNode.GetParameter(paramName), attrNode.Content))
	}

	if bfNode := root.GetMetadata(metaBloomfilter); bfNode != nil && bfNode.Content != "" {
		f, err := bloom.FromBase64(bfNode.Content)
		if err == nil {
			d.Filter = f
		}
	}

	return d, nil
}

func parseInterfaceType(s string) hnode.InterfaceType {
	switch s {
	case "ethernet":
		return hnode.InterfaceEthernet
	case "wifi":
		return hnode.InterfaceWiFi
	case "bluetooth":
		return hnode.InterfaceBluetooth
	case "loopback":
		return hnode.InterfaceLoopback
	case "application":
		return hnode.InterfaceApplicationPort
	default:
		return hnode.InterfaceUndefined
	}
}

func parseIdentifier(s string) hnode.Identifier {
	id, _ := hnode.ParseIdentifier(s)
	return id
}
