// Package discovery finds eWeLink devices on the local network.
//
// Devices in LAN mode announce themselves as _ewelink._tcp services. The
// TXT record carries the device id and whether the LAN API is encrypted;
// the A record gives the address. Only connectivity is taken from the
// announcement; the encrypted state blobs in data1..data4 are ignored.
package discovery
