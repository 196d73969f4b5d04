package authority

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"issuance/internal/domain/casework"
	"issuance/internal/domain/packs"
)

const dateLayout = "2006-01-02"

// Date is a calendar date encoded as YYYY-MM-DD.
type Date time.Time

// MarshalJSON implements json.Marshaler.
func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(d).Format(dateLayout))
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return err
	}
	*d = Date(t)
	return nil
}

func dateOf(t *time.Time) *Date {
	if t == nil {
		return nil
	}
	d := Date(*t)
	return &d
}

// Envelope is the body POSTed to the Authority.
type Envelope struct {
	Licence LicenceData `json:"licence"`
}

// LicenceData is the licence record. Cancel requests only carry the
// identifying fields.
type LicenceData struct {
	Action           Action            `json:"action"`
	ID               string            `json:"id"`
	Reference        string            `json:"reference"`
	LicenceReference string            `json:"licence_reference"`
	Type             string            `json:"type,omitempty"`
	StartDate        *Date             `json:"start_date,omitempty"`
	EndDate          *Date             `json:"end_date,omitempty"`
	Organisation     *OrganisationData `json:"organisation,omitempty"`
	CountryCode      string            `json:"country_code,omitempty"`
	CountryGroup     string            `json:"country_group,omitempty"`
	Restrictions     string            `json:"restrictions,omitempty"`
	Goods            []GoodsData       `json:"goods,omitempty"`
}

// OrganisationData is the licence holder.
type OrganisationData struct {
	EORINumber string      `json:"eori_number"`
	Name       string      `json:"name"`
	Address    AddressData `json:"address"`
}

// AddressData holds at most five address lines.
type AddressData struct {
	Line1    string `json:"line_1,omitempty"`
	Line2    string `json:"line_2,omitempty"`
	Line3    string `json:"line_3,omitempty"`
	Line4    string `json:"line_4,omitempty"`
	Line5    string `json:"line_5,omitempty"`
	Postcode string `json:"postcode,omitempty"`
}

// GoodsData is one goods line.
type GoodsData struct {
	Description string      `json:"description"`
	Quantity    json.Number `json:"quantity,omitempty"`
	Unit        string      `json:"unit,omitempty"`
}

// payloadInput is everything a licence record is built from.
type payloadInput struct {
	action           Action
	correlationID    string
	caseReference    string
	licenceReference string
	licenceType      string
	c                *casework.Case
	terms            packs.LicenceTerms
}

func buildLicence(in payloadInput) (Envelope, error) {
	if in.licenceReference == "" {
		return Envelope{}, fmt.Errorf("licence reference is empty")
	}
	data := LicenceData{
		Action:           in.action,
		ID:               in.correlationID,
		Reference:        in.caseReference,
		LicenceReference: in.licenceReference,
	}
	if in.action == ActionCancel {
		return Envelope{Licence: data}, nil
	}

	d := in.c.Details
	data.Type = in.licenceType
	data.StartDate = dateOf(in.terms.StartDate)
	data.EndDate = dateOf(in.terms.EndDate)
	data.Organisation = &OrganisationData{
		EORINumber: d.Organisation.EORINumber,
		Name:       d.Organisation.Name,
		Address:    addressOf(d.Organisation.Address, d.Organisation.Postcode),
	}
	// Open licences cover a group of countries rather than one.
	if in.c.ProcessType == casework.ProcessFirearmsOIL {
		data.CountryGroup = d.OriginCountry
	} else {
		data.CountryCode = d.OriginCountry
	}
	data.Restrictions = strings.Join(d.Endorsements, "\n\n")

	for _, g := range d.Goods {
		line := GoodsData{Description: g.Description, Unit: g.Unit}
		if !g.Quantity.IsZero() {
			line.Quantity = json.Number(g.Quantity.String())
		}
		data.Goods = append(data.Goods, line)
	}
	return Envelope{Licence: data}, nil
}

func addressOf(lines []string, postcode string) AddressData {
	var l [5]string
	for i := 0; i < len(lines) && i < len(l); i++ {
		l[i] = strings.TrimRight(lines[i], "\r")
	}
	return AddressData{
		Line1:    l[0],
		Line2:    l[1],
		Line3:    l[2],
		Line4:    l[3],
		Line5:    l[4],
		Postcode: postcode,
	}
}
