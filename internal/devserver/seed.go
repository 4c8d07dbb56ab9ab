package devserver

import "fieldsync/internal/model"

// SeedVehicles is the fleet served when Options.Vehicles is nil.
var SeedVehicles = []model.Vehicle{
	{ID: 1, EquipNo: "EQ-100-A", Description: "Haul truck", Company: "PT Tambang Jaya", Manufacturer: "Komatsu",
		UnitModel: "HD785", CommissioningDate: "2021-03-01", Year: 2021, CommissioningStatus: "active", ExpiredDate: "2026-03-01"},
	{ID: 2, EquipNo: "EQ-200-B", Description: "Excavator", Company: "PT Tambang Jaya", Manufacturer: "Caterpillar",
		UnitModel: "390F", CommissioningDate: "2020-07-15", Year: 2020, CommissioningStatus: "active", ExpiredDate: "2025-07-15"},
	{ID: 3, EquipNo: "LV-015", Description: "Light vehicle", Company: "CV Mitra Karya", Manufacturer: "Toyota",
		UnitModel: "Hilux", CommissioningDate: "2022-01-10", Year: 2022, CommissioningStatus: "active", ExpiredDate: "2027-01-10"},
	{ID: 4, EquipNo: "WT-007", Description: "Water truck", Company: "CV Mitra Karya", Manufacturer: "Hino",
		UnitModel: "FM 260", CommissioningDate: "2019-11-20", Year: 2019, CommissioningStatus: "expired", ExpiredDate: "2024-11-20"},
}

// SeedPermitHolders is the roster served when Options.PermitHolders is nil.
var SeedPermitHolders = []model.PermitHolder{
	{ID: 1, Name: "Budi Santoso", IDNumber: "KMP-0001", Company: "PT Tambang Jaya", Department: "Hauling",
		ExpiredDate: "2026-06-30", Status: "active"},
	{ID: 2, Name: "Siti Rahmawati", IDNumber: "KMP-0002", Company: "PT Tambang Jaya", Department: "Loading",
		ExpiredDate: "2025-12-31", Status: "active"},
	{ID: 3, Name: "Agus Prasetyo", IDNumber: "KMP-0003", Company: "CV Mitra Karya", Department: "Support",
		ExpiredDate: "2024-05-01", Status: "expired"},
}
