// Package protocol defines the JSON messages exchanged with settings clients.
//
// Inbound messages are discriminated by their "type" field, except the bulk
// snapshot load which uses "action":"updateFromFile". Outbound messages are
// settings, command_result, get_parameter_result and upload_settings.
package protocol
