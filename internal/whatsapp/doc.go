// Package whatsapp holds the outbound message descriptors and the HTTP
// client for the WhatsApp message gateway.
//
// Descriptors are tagged unions over the four rendering kinds the gateway
// understands (string, buttons, list, location). The Sender interface is the
// seam the dispatcher and event listeners depend on; Client is the production
// implementation.
package whatsapp
