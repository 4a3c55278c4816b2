package classifier

import "fmt"

const classifySystemPrompt = `You evaluate web pages from German and European public funding institutions.

Decide whether the page describes a concrete funding program (Förderprogramm) that a company or organization could apply to. Concrete programs name at least one of: a funding amount or rate, an application deadline or open-ended availability, eligibility requirements, or an application process.

Answer with a single JSON object and nothing else:
{"label": "yes"|"no"|"maybe", "quality_estimate": 0-100, "reason": "<one sentence>"}

"yes" means the page is clearly a single funding program. "no" means it is clearly not (contact page, news article, generic overview with no program details). "maybe" means it mentions a program but lacks enough detail to be sure. quality_estimate is your guess at how complete an extraction of this page would be.`

const extractSystemPrompt = `You extract structured data from funding program pages of German and European public institutions.

Answer with a single JSON object and nothing else:
{
  "record": {
    "title": "", "description": "",
    "funding_amount_min": 0, "funding_amount_max": 0, "currency": "EUR",
    "deadline": "YYYY-MM-DD or empty", "open_deadline": false,
    "contact_email": "", "contact_phone": "",
    "funding_types": ["grant"|"subsidy"|"loan"|"credit"|"guarantee"|"equity"|"prize"|"coaching"|"consulting"|"training"],
    "program_focus": [], "region": "", "is_overview": false
  },
  "fields": [
    {"category": "", "type": "", "value": "", "confidence": 0.0-1.0, "meaningfulness": 0-100}
  ]
}

Each field is one distinct requirement or fact: eligibility criteria, funding rates, application steps, target groups, sector restrictions. category groups related fields (e.g. "eligibility", "funding_rate", "application"). meaningfulness scores how specific and informative the value is: boilerplate like "SME" or "on request" is near 0, a concrete threshold like "Unternehmen mit weniger als 250 Mitarbeitern" is high. Omit fields you cannot ground in the page text. Set is_overview when the page lists multiple programs instead of describing one.`

func classifyUserPrompt(url, content string) string {
	return fmt.Sprintf("URL: %s\n\nPage content:\n%s", url, content)
}

func extractUserPrompt(url, institution, content string) string {
	if institution == "" {
		institution = "unknown"
	}
	return fmt.Sprintf("URL: %s\nInstitution: %s\n\nPage content:\n%s", url, institution, content)
}
