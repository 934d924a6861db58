// Package mqtt mirrors nudge deliveries to an MQTT broker and publishes
// a small set of retained status topics: availability and today's
// token count.
//
// The connection uses Eclipse Paho v2's [autopaho] package so the
// mirror reconnects on its own. On every (re-)connect it publishes a
// retained "online" birth message; a will message flips availability
// to "offline" on unexpected disconnects.
//
// Topics, under <topic_prefix>/<device_name>:
//
//	availability             online | offline (retained)
//	deliveries               one JSON object per delivered message
//	tokens_today/state       total tokens since local midnight (retained)
//	tokens_today/attributes  per-model breakdown and last delivery (retained)
package mqtt
