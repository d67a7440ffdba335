package metadata

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// b64Attr marks an element whose Content was base64-encoded because it
// was not representable as plain XML character data (control bytes other
// than tab/CR/LF are illegal in XML 1.0 text). This keeps the "8-bit
// clean content round-trips" invariant (spec §8) without special-casing
// every caller.
const b64Attr = "_b64"

// EncodeXML serialises m (the document root) to XML.
func EncodeXML(m *Metadata) ([]byte, error) {
	var sb strings.Builder
	enc := xml.NewEncoder(&sb)
	if err := encodeNode(enc, m); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

func encodeNode(enc *xml.Encoder, m *Metadata) error {
	content := m.Content
	encoded := false
	if !isValidXMLText(content) {
		content = base64.StdEncoding.EncodeToString([]byte(content))
		encoded = true
	}

	start := xml.StartElement{Name: xml.Name{Local: safeName(m.Name)}}
	if encoded {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: b64Attr}, Value: "1"})
	}
	for k, v := range m.Parameters {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: safeName(k)}, Value: v})
	}

	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	if content != "" {
		if err := enc.EncodeToken(xml.CharData([]byte(content))); err != nil {
			return err
		}
	}
	for _, c := range m.Children {
		if err := encodeNode(enc, c); err != nil {
			return err
		}
	}
	return enc.EncodeToken(xml.EndElement{Name: start.Name})
}

func isValidXMLText(s string) bool {
	for _, r := range s {
		if r == 0x9 || r == 0xA || r == 0xD {
			continue
		}
		if r < 0x20 {
			return false
		}
	}
	return true
}

// safeName guarantees a legal XML element/attribute local name even for
// Metadata names that are empty or start with a digit.
func safeName(name string) string {
	if name == "" {
		return "_"
	}
	return name
}

// DecodeXML parses XML produced by EncodeXML back into a Metadata tree.
func DecodeXML(data []byte) (*Metadata, error) {
	dec := xml.NewDecoder(strings.NewReader(string(data)))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil, fmt.Errorf("metadata: empty document")
		}
		if err != nil {
			return nil, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			return decodeNode(dec, start)
		}
	}
}

func decodeNode(dec *xml.Decoder, start xml.StartElement) (*Metadata, error) {
	m := New(start.Name.Local, "")
	var b64 bool
	for _, attr := range start.Attr {
		if attr.Name.Local == b64Attr {
			b64 = true
			continue
		}
		m.SetParameter(attr.Name.Local, attr.Value)
	}

	var content strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.CharData:
			content.Write(t)
		case xml.StartElement:
			child, err := decodeNode(dec, t)
			if err != nil {
				return nil, err
			}
			m.AddChild(child)
		case xml.EndElement:
			raw := content.String()
			if b64 {
				decoded, err := base64.StdEncoding.DecodeString(raw)
				if err != nil {
					return nil, fmt.Errorf("metadata: invalid base64 content on %q: %w", m.Name, err)
				}
				m.Content = string(decoded)
			} else {
				m.Content = raw
			}
			return m, nil
		}
	}
}
