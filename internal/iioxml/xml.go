package iioxml

import "encoding/xml"

// Context mirrors the document IIOD returns for the PRINT command.
// Only the parts the diagnostics consume are decoded; unknown elements are
// ignored by encoding/xml.
type Context struct {
	XMLName      xml.Name           `xml:"context"`
	Name         string             `xml:"name,attr"`
	VersionMajor string             `xml:"version-major,attr"`
	VersionMinor string             `xml:"version-minor,attr"`
	VersionGit   string             `xml:"version-git,attr"`
	Description  string             `xml:"description,attr"`
	Attributes   []ContextAttribute `xml:"context-attribute"`
	Devices      []Device           `xml:"device"`

	byID   map[string]*Device
	byName map[string]*Device
}

// ContextAttribute is a name/value pair such as hw_model or fw_version.
type ContextAttribute struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// Device is one IIO device (ad9361-phy, cf-ad9361-lpc, ...).
type Device struct {
	ID               string      `xml:"id,attr"`
	Name             string      `xml:"name,attr"`
	Label            string      `xml:"label,attr"`
	Channels         []Channel   `xml:"channel"`
	Attributes       []NamedAttr `xml:"attribute"`
	DebugAttributes  []NamedAttr `xml:"debug-attribute"`
	BufferAttributes []NamedAttr `xml:"buffer-attribute"`
}

// Channel is one IIO channel. Channels carrying a scan element take part in
// buffered streaming; the others only expose attributes.
type Channel struct {
	ID          string        `xml:"id,attr"`
	Name        string        `xml:"name,attr"`
	Type        string        `xml:"type,attr"` // input | output
	Attributes  []ChannelAttr `xml:"attribute"`
	ScanElement *ScanElement  `xml:"scan-element"`

	// Format is the decoded ScanElement.Format; nil for non-scan channels.
	Format *ScanFormat `xml:"-"`
}

// NamedAttr is a device, debug or buffer attribute.
type NamedAttr struct {
	Name string `xml:"name,attr"`
}

// ChannelAttr is a channel attribute with its sysfs filename.
type ChannelAttr struct {
	Name     string `xml:"name,attr"`
	Filename string `xml:"filename,attr"`
}

// ScanElement holds the raw scan-element attributes.
type ScanElement struct {
	Index  string `xml:"index,attr"`
	Format string `xml:"format,attr"`
	Scale  string `xml:"scale,attr"`
}

// ScanFormat is the parsed form of a scan-element format string such as
// "le:S12/16>>0". It mirrors libiio's iio_data_format.
type ScanFormat struct {
	Index    int
	IsBE     bool
	IsSigned bool
	Bits     uint
	Length   uint // storage bits per element
	Repeat   uint
	Shift    uint
}
