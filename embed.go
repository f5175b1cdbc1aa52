package ragwebui

import "embed"

// TemplateFS contains the embedded HTML templates used for rendering the chat page. Templates are
// split into the page layout, full pages and the partial views pushed to the browser as messages
// resolve.
//
//go:embed templates/*
var TemplateFS embed.FS

// StaticFS contains the embedded script and stylesheet served under /static/.
//
//go:embed static/*
var StaticFS embed.FS
