// Package mesh holds the types shared by every layer of the Bluetooth Mesh
// protocol engine: the device error taxonomy, mesh addresses and IV index
// helpers, device UUIDs.
//
// The layers themselves live in sibling packages:
//
//	provisioning  provisioning PDUs and the provisionee state machine
//	pbadv         generic provisioning bearer (PB-ADV transactions and links)
//	network       network PDU obfuscation/encryption and the retransmit queue
//	lower         lower transport segmentation, reassembly and key selection
//	config        persisted node configuration and sequence numbers
//	node          the event loop hosting all of the above
package mesh
