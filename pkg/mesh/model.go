package mesh

import "fmt"

// ModelID identifies a model. SIG models have a 16-bit identifier; vendor
// models add the 16-bit company identifier.
type ModelID struct {
	Company uint16 `cbor:"1,keyasint,omitempty"`
	ID      uint16 `cbor:"2,keyasint"`
	Vendor  bool   `cbor:"3,keyasint,omitempty"`
}

// SIGModel returns the identifier of a Bluetooth SIG model.
func SIGModel(id uint16) ModelID { return ModelID{ID: id} }

// VendorModel returns the identifier of a vendor model.
func VendorModel(company, id uint16) ModelID {
	return ModelID{Company: company, ID: id, Vendor: true}
}

// Foundation model identifiers.
var (
	ConfigurationServer = SIGModel(0x0000)
	ConfigurationClient = SIGModel(0x0001)
	HealthServer        = SIGModel(0x0002)
)

func (m ModelID) String() string {
	if m.Vendor {
		return fmt.Sprintf("%04x:%04x", m.Company, m.ID)
	}
	return fmt.Sprintf("%04x", m.ID)
}
