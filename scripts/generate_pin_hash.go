//go:build ignore

// generate_pin_hash.go — утилита для генерации Argon2id хеша PIN сотрудников.
// Запуск: go run scripts/generate_pin_hash.go 4821
//
// Результат можно записать напрямую в loyalty_programs.staff_pin_hash.
package main

import (
	"fmt"
	"os"

	"qwikker.com/loyalty/internal/common"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Использование: go run scripts/generate_pin_hash.go <pin>")
		os.Exit(1)
	}

	pin := os.Args[1]
	if !common.ValidPIN(pin) {
		fmt.Println("PIN должен состоять из 4-8 цифр")
		os.Exit(1)
	}

	hash, err := common.HashPIN(pin)
	if err != nil {
		fmt.Printf("Ошибка хеширования: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Хеш PIN (staff_pin_hash):")
	fmt.Println(hash)
}
