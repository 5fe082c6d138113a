/*
Package tcpctl is the transmission control block of a listening TCP endpoint
(RFC 793): sequence space bookkeeping, segment acceptability and the state
machine from LISTEN to CLOSED. Buffers, timers and segment serialization are
left to the caller. Connections are never opened actively.

# States

	LISTEN      --rcv SYN / snd SYN,ACK-->      SYN-RCVD
	SYN-RCVD    --rcv ACK of SYN-->             ESTABLISHED
	ESTABLISHED --Close / snd FIN-->            FIN-WAIT-1
	ESTABLISHED --rcv FIN / snd ACK-->          CLOSE-WAIT
	CLOSE-WAIT  --Close / snd FIN-->            LAST-ACK
	LAST-ACK    --rcv ACK of FIN-->             CLOSED
	FIN-WAIT-1  --rcv ACK of FIN-->             FIN-WAIT-2
	FIN-WAIT-1  --rcv FIN / snd ACK-->          CLOSING
	FIN-WAIT-2  --rcv FIN / snd ACK-->          TIME-WAIT
	CLOSING     --rcv ACK of FIN-->             TIME-WAIT
	TIME-WAIT   --caller timer expires-->       CLOSED

A reset moves the block to CLOSED. Callers return a block reset in
SYN-RCVD to LISTEN with [ControlBlock.Listen].
*/
package tcpctl
