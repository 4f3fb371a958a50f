package oracle

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"prospectd/internal/config"
)

// renderFollowUpTemplate fills the campaign's follow-up template with the
// profile's fields plus the product description. Unknown fields render as
// empty strings rather than failing the whole message.
func renderFollowUpTemplate(campaign config.CampaignConfig, profile map[string]interface{}) (string, error) {
	if campaign.FollowUpTemplate == "" {
		return "", fmt.Errorf("campaign has no follow-up template")
	}

	tmpl, err := template.New("followup").Option("missingkey=zero").Parse(campaign.FollowUpTemplate)
	if err != nil {
		return "", fmt.Errorf("parse follow-up template: %w", err)
	}

	data := map[string]interface{}{
		"ProductDescription": campaign.ProductDocs,
	}
	for k, v := range profile {
		data[k] = v
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render follow-up template: %w", err)
	}
	out := strings.ReplaceAll(buf.String(), "<no value>", "")
	return strings.TrimSpace(out), nil
}

// appendBookingLink suffixes the campaign booking link on its own line.
func appendBookingLink(message, link string) string {
	if link == "" {
		return message
	}
	return message + "\n" + link
}
