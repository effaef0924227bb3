package provider

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ppiankov/thesiswatch/internal/model"
)

type form4Doc struct {
	XMLName    xml.Name `xml:"ownershipDocument"`
	Aff10b5One string   `xml:"aff10b5One"`
	Owners     []struct {
		Name         string `xml:"reportingOwnerId>rptOwnerName"`
		IsDirector   string `xml:"reportingOwnerRelationship>isDirector"`
		IsOfficer    string `xml:"reportingOwnerRelationship>isOfficer"`
		IsTenPercent string `xml:"reportingOwnerRelationship>isTenPercentOwner"`
		OfficerTitle string `xml:"reportingOwnerRelationship>officerTitle"`
	} `xml:"reportingOwner"`
	Transactions []form4Transaction `xml:"nonDerivativeTable>nonDerivativeTransaction"`
	Footnotes    []struct {
		ID   string `xml:"id,attr"`
		Text string `xml:",chardata"`
	} `xml:"footnotes>footnote"`
}

type footnoteRef struct {
	ID string `xml:"id,attr"`
}

type form4Transaction struct {
	Date        string        `xml:"transactionDate>value"`
	Code        string        `xml:"transactionCoding>transactionCode"`
	CodingNotes []footnoteRef `xml:"transactionCoding>footnoteId"`
	Shares      string        `xml:"transactionAmounts>transactionShares>value"`
	Price       string        `xml:"transactionAmounts>transactionPricePerShare>value"`
	PriceNotes  []footnoteRef `xml:"transactionAmounts>transactionPricePerShare>footnoteId"`
	SharesAfter string        `xml:"postTransactionAmounts>sharesOwnedFollowingTransaction>value"`
}

func truthy(s string) bool {
	s = strings.TrimSpace(strings.ToLower(s))
	return s == "1" || s == "true"
}

func parseNumber(s string) float64 {
	v, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(s), ",", ""), 64)
	if err != nil {
		return 0
	}
	return v
}

// ParseForm4 decodes the non-derivative table of a Form 4 XML document.
// A transaction is marked 10b5-1 when the filing checks the plan box or a
// footnote it references mentions Rule 10b5-1.
func ParseForm4(body []byte, accession string, filed time.Time, url string) ([]model.InsiderTransaction, error) {
	var doc form4Doc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode form 4: %w", err)
	}
	if len(doc.Owners) == 0 {
		return nil, fmt.Errorf("form 4 %s has no reporting owner", accession)
	}

	owner := doc.Owners[0]
	title := strings.TrimSpace(owner.OfficerTitle)
	if title == "" {
		switch {
		case truthy(owner.IsDirector):
			title = "Director"
		case truthy(owner.IsTenPercent):
			title = "10% Owner"
		}
	}

	planNotes := map[string]bool{}
	for _, fn := range doc.Footnotes {
		if strings.Contains(strings.ReplaceAll(fn.Text, " ", ""), "10b5-1") {
			planNotes[fn.ID] = true
		}
	}
	plan := truthy(doc.Aff10b5One)

	out := make([]model.InsiderTransaction, 0, len(doc.Transactions))
	for _, tx := range doc.Transactions {
		raw := strings.TrimSpace(tx.Date)
		if len(raw) > 10 {
			raw = raw[:10] // some filers append a zone offset
		}
		date, _ := time.Parse("2006-01-02", raw)
		is10b51 := plan
		for _, n := range tx.CodingNotes {
			is10b51 = is10b51 || planNotes[n.ID]
		}
		for _, n := range tx.PriceNotes {
			is10b51 = is10b51 || planNotes[n.ID]
		}
		price, err := decimal.NewFromString(strings.TrimSpace(tx.Price))
		if err != nil {
			price = decimal.Zero
		}
		out = append(out, model.InsiderTransaction{
			Accession:       accession,
			Owner:           strings.TrimSpace(owner.Name),
			Title:           title,
			Code:            strings.ToUpper(strings.TrimSpace(tx.Code)),
			TransactionDate: date,
			FiledAt:         filed,
			Shares:          parseNumber(tx.Shares),
			SharesAfter:     parseNumber(tx.SharesAfter),
			Price:           price,
			Is10b51:         is10b51,
			URL:             url,
		})
	}
	return out, nil
}
