// Package lan implements the local-network HTTP transport.
//
// Commands are POSTed to http://<ip>:8081/zeroconf/<command>. Devices in
// encrypted mode expect the params sealed with AES-128-CBC under
// MD5(deviceKey), base64 encoded with a random IV; responses come back in
// the same form and are decrypted before being handed to the reconciler.
package lan
