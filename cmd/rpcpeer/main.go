// Command rpcpeer serves the demo services over RPC peers and calls them.
//
//	rpcpeer serve --config rpcpeer.toml
//	rpcpeer call Arith.Add '{"A":1,"B":2}' --addr 127.0.0.1:8080
//	rpcpeer stream Arith.Count '{"N":5}' --addr 127.0.0.1:8080
package main

func main() {
	Execute()
}
