package queue

import "strings"

// Institution groups crawl URLs by the funding body that publishes them.
// URLPattern is a case-insensitive substring matched against the full URL.
type Institution struct {
	Name       string
	URLPattern string
}

// OtherInstitution collects URLs that match no known institution. It has no
// URL pattern, so the balancer reports its stats but never adjusts it.
const OtherInstitution = "Other"

var knownInstitutions = []Institution{
	{Name: "Förderdatenbank", URLPattern: "foerderdatenbank.de"},
	{Name: "KfW", URLPattern: "kfw.de"},
	{Name: "BAFA", URLPattern: "bafa.de"},
	{Name: "EXIST", URLPattern: "exist.de"},
	{Name: "NRW.BANK", URLPattern: "nrwbank.de"},
	{Name: "L-Bank", URLPattern: "l-bank.de"},
	{Name: "IBB", URLPattern: "ibb.de"},
	{Name: "SAB", URLPattern: "sab.sachsen.de"},
	{Name: "WIBank", URLPattern: "wibank.de"},
	{Name: "ISB", URLPattern: "isb.rlp.de"},
	{Name: "EU Funding Portal", URLPattern: "ec.europa.eu"},
	{Name: "DLR Projektträger", URLPattern: "dlr.de"},
}

// Institutions returns the recognized institution list.
func Institutions() []Institution {
	out := make([]Institution, len(knownInstitutions))
	copy(out, knownInstitutions)
	return out
}

// InstitutionOf maps a URL to its institution, or OtherInstitution when no
// pattern matches.
func InstitutionOf(url string) Institution {
	lower := strings.ToLower(url)
	for _, inst := range knownInstitutions {
		if strings.Contains(lower, inst.URLPattern) {
			return inst
		}
	}
	return Institution{Name: OtherInstitution}
}
