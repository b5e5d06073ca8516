// Package nfse extracts the identifying fields of NFS-e XML documents. Both
// the ABRASF municipal layout and the national (SPED) layout are understood;
// element lookups ignore namespaces.
package nfse

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/antchfx/xmlquery"

	"github.com/JakeFAU/nfse-harvester/internal/hash/sha256"
)

// ErrNotNFSe is returned when the payload parses as XML but carries none of
// the expected identifying fields.
var ErrNotNFSe = errors.New("document has no NFS-e identifying fields")

// Fields are the values used for duplicate detection and bucket placement.
type Fields struct {
	Number           string    `json:"number"`
	VerificationCode string    `json:"verification_code"`
	IssuedAt         time.Time `json:"issued_at"`
}

// Pair returns the (number, verification code) identity. ok is false when
// either half is missing, in which case callers fall back to byte hashing.
func (f Fields) Pair() (string, bool) {
	if f.Number == "" || f.VerificationCode == "" {
		return "", false
	}
	return f.Number + "|" + strings.ToUpper(f.VerificationCode), true
}

// Record is the structured form handed to ingestion sinks.
type Record struct {
	Fields
	ProviderCNPJ  string `json:"provider_cnpj"`
	TakerDocument string `json:"taker_document"`
	TakerName     string `json:"taker_name"`
	ServiceAmount string `json:"service_amount"`
	Checksum      string `json:"checksum"`
}

// lookup is an XPath expression plus an optional attribute to read instead of
// the element text.
type lookup struct {
	expr string
	attr string
}

func el(name string) string {
	return "//*[local-name()='" + name + "']"
}

var (
	numberLookups = []lookup{
		{expr: el("InfNfse") + "/*[local-name()='Numero']"},
		{expr: el("NumeroNfse")},
		{expr: el("nNFSe")},
		{expr: el("NumeroNota")},
	}
	codeLookups = []lookup{
		{expr: el("CodigoVerificacao")},
		{expr: el("ChaveValidacao")},
		{expr: el("cVerif")},
		{expr: el("infNFSe"), attr: "Id"},
	}
	issuedLookups = []lookup{
		{expr: el("InfNfse") + "/*[local-name()='DataEmissao']"},
		{expr: el("DataEmissaoNfse")},
		{expr: el("dhEmi")},
		{expr: el("dhProc")},
		{expr: el("DataEmissao")},
		{expr: el("Competencia")},
		{expr: el("dCompet")},
	}
	providerLookups = []lookup{
		{expr: el("PrestadorServico") + "//*[local-name()='Cnpj']"},
		{expr: el("IdentificacaoPrestador") + "//*[local-name()='Cnpj']"},
		{expr: el("Prestador") + "//*[local-name()='Cnpj']"},
		{expr: el("emit") + "/*[local-name()='CNPJ']"},
	}
	takerDocLookups = []lookup{
		{expr: el("TomadorServico") + "//*[local-name()='Cnpj' or local-name()='Cpf']"},
		{expr: el("Tomador") + "//*[local-name()='Cnpj' or local-name()='Cpf']"},
		{expr: el("toma") + "/*[local-name()='CNPJ' or local-name()='CPF']"},
	}
	takerNameLookups = []lookup{
		{expr: el("TomadorServico") + "/*[local-name()='RazaoSocial']"},
		{expr: el("Tomador") + "/*[local-name()='RazaoSocial']"},
		{expr: el("toma") + "/*[local-name()='xNome']"},
	}
	amountLookups = []lookup{
		{expr: el("ValorServicos")},
		{expr: el("vServ")},
	}
)

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"02/01/2006 15:04:05",
	"02/01/2006",
}

// Extract parses an NFS-e document from r.
func Extract(r io.Reader) (Fields, error) {
	doc, err := xmlquery.Parse(r)
	if err != nil {
		return Fields{}, fmt.Errorf("parse xml: %w", err)
	}
	return fieldsOf(doc)
}

// ExtractFile parses the NFS-e document stored at path.
func ExtractFile(path string) (Fields, error) {
	f, err := os.Open(path) //nolint:gosec // paths come from the download root
	if err != nil {
		return Fields{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck // read-only handle
	fields, err := Extract(f)
	if err != nil {
		return Fields{}, fmt.Errorf("extract %s: %w", path, err)
	}
	return fields, nil
}

// ParseRecord extracts the full ingestion record. The checksum covers the
// identifying fields when present and the raw bytes otherwise, so reissued
// copies of the same note collapse onto one row.
func ParseRecord(data []byte) (Record, error) {
	doc, err := xmlquery.Parse(bytes.NewReader(data))
	if err != nil {
		return Record{}, fmt.Errorf("parse xml: %w", err)
	}
	fields, err := fieldsOf(doc)
	if err != nil {
		return Record{}, err
	}
	rec := Record{
		Fields:        fields,
		ProviderCNPJ:  first(doc, providerLookups),
		TakerDocument: first(doc, takerDocLookups),
		TakerName:     first(doc, takerNameLookups),
		ServiceAmount: first(doc, amountLookups),
	}
	hasher := sha256.New()
	if pair, ok := fields.Pair(); ok {
		rec.Checksum = hasher.HashFields(rec.ProviderCNPJ, pair)
	} else {
		rec.Checksum, _ = hasher.Hash(data)
	}
	return rec, nil
}

func fieldsOf(doc *xmlquery.Node) (Fields, error) {
	fields := Fields{
		Number:           first(doc, numberLookups),
		VerificationCode: first(doc, codeLookups),
	}
	if raw := first(doc, issuedLookups); raw != "" {
		issued, err := ParseDate(raw)
		if err == nil {
			fields.IssuedAt = issued
		}
	}
	if fields.Number == "" && fields.VerificationCode == "" && fields.IssuedAt.IsZero() {
		return Fields{}, ErrNotNFSe
	}
	return fields, nil
}

func first(doc *xmlquery.Node, lookups []lookup) string {
	for _, lk := range lookups {
		node, err := xmlquery.Query(doc, lk.expr)
		if err != nil || node == nil {
			continue
		}
		var val string
		if lk.attr != "" {
			val = node.SelectAttr(lk.attr)
		} else {
			val = node.InnerText()
		}
		if val = strings.TrimSpace(val); val != "" {
			return val
		}
	}
	return ""
}

// ParseDate accepts the date formats seen across municipal layouts and returns
// the calendar date at midnight UTC. The wall-clock date as written in the
// document wins over any zone offset.
func ParseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, raw)
		if err == nil {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
	}
	if len(raw) >= 10 {
		if t, err := time.Parse("2006-01-02", raw[:10]); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", raw)
}
