// Package protocol defines the JSON-RPC shaped frames the gateway relays.
//
// The gateway does not interpret most traffic. A Message keeps the bytes it
// was parsed from, so relaying a frame never drops fields the gateway does not
// know about. The only field ever rewritten is the id, when a pooled backend
// link needs gateway-unique ids.
//
// Frames are classified by the fields they carry:
//
//	{"id":1,"method":"tools/call",...}   request
//	{"method":"notifications/progress"}  notification
//	{"id":1,"result":{...}}              response
//	{"id":1,"error":{...}}               response
//
// The jsonrpc version field is accepted when absent. Frames built by the
// gateway always carry "2.0".
//
// The package also holds the small part of the tool listing vocabulary the
// catalog needs: Tool, ListToolsResult and the namespaced CatalogEntry.
package protocol
