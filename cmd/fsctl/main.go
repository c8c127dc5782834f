package main

import "github.com/aliyun/aliyun-pai-featurestore-core/cmd"

func main() {
	cmd.Execute()
}
