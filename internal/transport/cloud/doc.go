// Package cloud implements the eWeLink cloud transports.
//
// Socket keeps one websocket per account open. Before each dial it asks
// the regional dispatch service for a host, then authenticates with a
// userOnline frame and sends a text "ping" at the negotiated interval.
// Every other inbound frame goes to the PushHandler unparsed.
//
// RESTClient queries /v2/device/thing, either for the whole account or
// for a single device, and hands successful bodies to the PollHandler.
//
// The frame codecs (EncodeUpdate, DecodeFrame, DecodeThingList) are shared
// with the dispatch and reconcile packages.
package cloud
