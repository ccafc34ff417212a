package broker

import (
	_ "embed"
	"html/template"
)

//go:embed templates/callback.html
var callbackPageTemplateHTML string

var callbackPageTemplate = template.Must(template.New("callback").Parse(callbackPageTemplateHTML))

// CallbackPageData represents the data for the page shown after the redirect
type CallbackPageData struct {
	Handled     bool
	Error       string
	Description string
	// MissingCode is set when the redirect carried neither a code nor an error.
	MissingCode bool
}
