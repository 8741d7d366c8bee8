package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/upa/libpop/config"
	"github.com/upa/libpop/popdev"
)

func main() {
	bus := flag.String("b", "", "PCI bus id of the device, for example 0000:03:00.0")
	cmd := flag.String("c", "register", "Command: register or unregister")
	size := flag.String("s", "0", "Bytes of peer memory to register, suffixes like 64M are allowed")
	dir := flag.String("d", popdev.DefaultDir, "Directory of the pop kernel module device files")
	verbose := flag.Bool("v", false, "Log what is done")

	flag.Parse()

	l := logrus.New()
	l.Out = os.Stderr
	if *verbose {
		l.SetLevel(logrus.DebugLevel)
	}

	if *bus == "" {
		fmt.Println("-b flag must be set")
		flag.Usage()
		os.Exit(1)
	}

	id, err := popdev.ParseID(*bus)
	if err != nil {
		fmt.Printf("invalid pci bus id: %s\n", err)
		os.Exit(1)
	}

	client := popdev.NewClient(l, *dir)
	switch *cmd {
	case "register", "reg":
		n, err := config.ParseByteSize(*size)
		if err != nil {
			fmt.Printf("invalid size: %s\n", err)
			os.Exit(1)
		}
		granted, err := client.Register(id, uint64(n))
		if err != nil {
			fmt.Printf("failed to register %s: %s\n", id, err)
			os.Exit(1)
		}
		fmt.Printf("%s: %d bytes registered at %s\n", id, granted, client.Path(id))

	case "unregister", "unreg":
		if err := client.Unregister(id); err != nil {
			fmt.Printf("failed to unregister %s: %s\n", id, err)
			os.Exit(1)
		}
		fmt.Printf("%s: unregistered\n", id)

	default:
		fmt.Printf("unknown command %q, expected register or unregister\n", *cmd)
		os.Exit(1)
	}
}
