package store

import (
	"time"

	"BrokerCopilot/internal/models"
)

const (
	TemplateRenewal30    = "renewal_reminder_30"
	TemplateRenewal7     = "renewal_reminder_7"
	TemplateRenewalQuote = "renewal_quote"
	TemplateWelcome      = "welcome_client"
)

// SystemTemplates returns the built-in templates every store is seeded with.
func SystemTemplates(now time.Time) []*models.EmailTemplate {
	tmpls := []*models.EmailTemplate{
		{
			ID:              TemplateRenewal30,
			Name:            "30-Day Renewal Reminder",
			Description:     "Reminder sent 30 days before policy expiration",
			SubjectTemplate: "Policy Renewal Reminder: {{policy_number}} expires in 30 days",
			BodyHTMLTemplate: `<div style="font-family: Arial, sans-serif; max-width: 600px;">
<h2>Policy Renewal Reminder</h2>
<p>Dear {{client_name}},</p>
<p>Your policy <strong>{{policy_number}}</strong> expires on <strong>{{expiry_date}}</strong>.</p>
<p>Policy type: {{policy_type}}<br>Current premium: ${{premium}}</p>
<p>Please contact your broker to discuss renewal options.</p>
<p>Best regards,<br>{{broker_name}}</p>
</div>`,
			BodyTextTemplate: `Dear {{client_name}},

Your policy {{policy_number}} expires on {{expiry_date}}.

Policy type: {{policy_type}}
Current premium: ${{premium}}

Please contact your broker to discuss renewal options.

Best regards,
{{broker_name}}`,
			Category:  "renewal",
			Variables: []string{"client_name", "policy_number", "expiry_date", "policy_type", "premium", "broker_name"},
		},
		{
			ID:              TemplateRenewal7,
			Name:            "7-Day Renewal Reminder",
			Description:     "Urgent reminder sent 7 days before policy expiration",
			SubjectTemplate: "URGENT: Policy {{policy_number}} expires in 7 days",
			BodyHTMLTemplate: `<div style="font-family: Arial, sans-serif; max-width: 600px;">
<h2>Urgent: Policy Expiring Soon</h2>
<p>Dear {{client_name}},</p>
<p><strong>Your policy {{policy_number}} will expire in 7 days.</strong></p>
<p>Expiration date: {{expiry_date}}<br>Current premium: ${{premium}}</p>
<p><a href="{{renewal_link}}">Review renewal options</a></p>
<p>Best regards,<br>{{broker_name}}</p>
</div>`,
			Category:  "renewal",
			Variables: []string{"client_name", "policy_number", "expiry_date", "premium", "renewal_link", "broker_name"},
		},
		{
			ID:              TemplateRenewalQuote,
			Name:            "Renewal Quote",
			Description:     "Send renewal quote to client",
			SubjectTemplate: "Your Renewal Quote for Policy {{policy_number}}",
			BodyHTMLTemplate: `<div style="font-family: Arial, sans-serif; max-width: 600px;">
<h2>Your Renewal Quote</h2>
<p>Dear {{client_name}},</p>
<p>Please find your renewal quote for policy {{policy_number}} below.</p>
<table>
<tr><td>Policy type</td><td>{{policy_type}}</td></tr>
<tr><td>Current premium</td><td>${{current_premium}}</td></tr>
<tr><td>Renewal premium</td><td><strong>${{renewal_premium}}</strong></td></tr>
<tr><td>Change</td><td>{{premium_change}}</td></tr>
</table>
<p>This quote is valid until {{quote_expiry}}.</p>
<p><a href="{{accept_link}}">Accept quote</a></p>
<p>Best regards,<br>{{broker_name}}</p>
</div>`,
			Category: "renewal",
			Variables: []string{
				"client_name", "policy_number", "policy_type", "current_premium",
				"renewal_premium", "premium_change", "quote_expiry", "accept_link", "broker_name",
			},
		},
		{
			ID:              TemplateWelcome,
			Name:            "Welcome New Client",
			Description:     "Welcome email for new clients",
			SubjectTemplate: "Welcome to {{company_name}} - Your Insurance Partner",
			BodyHTMLTemplate: `<div style="font-family: Arial, sans-serif; max-width: 600px;">
<h2>Welcome aboard!</h2>
<p>Dear {{client_name}},</p>
<p>Welcome to {{company_name}}. Your dedicated broker is <strong>{{broker_name}}</strong>.</p>
<p>Best regards,<br>{{broker_name}}<br>{{broker_phone}}<br>{{broker_email}}</p>
</div>`,
			Category:  "general",
			Variables: []string{"client_name", "company_name", "broker_name", "broker_phone", "broker_email"},
		},
	}

	for _, t := range tmpls {
		t.IsSystem = true
		t.CreatedAt = now
		t.UpdatedAt = now
	}
	return tmpls
}
