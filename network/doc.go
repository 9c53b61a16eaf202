// Package network tracks this node's membership in virtual networks.
//
// A network is identified by a 64-bit NetworkID whose top 40 bits are the
// controller's address. Members hold a configuration issued by the
// controller and, on private networks, a certificate of membership signed
// by it. Two members may exchange frames only when their certificates
// agree. Frames for the local member are handed to a VirtualInterface.
package network
