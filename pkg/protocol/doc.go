// Package protocol implements the SMRT wire format used by publichat.
//
// SMRT is a strictly request/response binary protocol. Every packet has a
// fixed size; there are no length prefixes. Packets are delimited by 3-byte
// ASCII tags so that a desynchronised stream is detected immediately.
//
// # Connection
//
// A raw TCP client opens the connection with the 4 bytes "SMRT". Browser
// clients reach the same protocol through a WebSocket upgrade on /ws.
//
// # Requests (client -> server)
//
//	"snd" + chat_id(32) + cypher(440) + signature(64) + "end"   542 bytes
//	"fch" + chat_id(32) + "end"                                  38 bytes
//	"qry" + chat_id(32) + args(1) + msg_id(3) + "end"            42 bytes
//
// The query args byte packs the direction in bit 7 (1 = forward) and the
// requested count in bits 0-6. msg_id is a 24-bit big-endian cursor and is
// exclusive: it is never returned itself.
//
// # Responses (server -> client)
//
//	"msg" + room(1) + first_id(3) + count(1) + count * record(512)
//
// room is the first byte of the chat id, count packs direction and count the
// same way query args do.
//
// # Records
//
// A record is server_time(8, BE unix ms) + cypher(440) + signature(64). The
// server never looks inside the cypher; its structure is
//
//	chat_key(4) + client_time(8) + public_key(32) + padded text(396)
//
// All layouts are declared once in layout.go as field tables. Changing the
// wire format means editing that table.
package protocol
