// See aes.go for the Service: the dispatch pass over the FIFO ready
// queue, the load-scored placement with the RAM head-of-line avoid set,
// executor crash/retry handling, and host on/off reactivity.
package aes
